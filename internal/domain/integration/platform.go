package integration

// ---------------------------------------------------------------------------
// Platform represents a supported third-party platform
// ---------------------------------------------------------------------------

// Platform identifies a supported third-party platform
type Platform string

const (
	// PlatformX represents X (formerly Twitter)
	PlatformX Platform = "x"
	// PlatformFacebook represents Facebook Pages
	PlatformFacebook Platform = "facebook"
	// PlatformGoogleAnalytics represents Google Analytics 4 properties
	PlatformGoogleAnalytics Platform = "google_analytics"
	// PlatformShopify represents Shopify stores
	PlatformShopify Platform = "shopify"
	// PlatformQuickBooks represents QuickBooks Online companies
	PlatformQuickBooks Platform = "quickbooks"
)

// AllPlatforms returns every supported platform in display order
func AllPlatforms() []Platform {
	return []Platform{
		PlatformX,
		PlatformFacebook,
		PlatformGoogleAnalytics,
		PlatformShopify,
		PlatformQuickBooks,
	}
}

// ParsePlatform converts a string into a Platform, rejecting unknown values
func ParsePlatform(s string) (Platform, error) {
	p := Platform(s)
	if !p.IsValid() {
		return "", ErrInvalidPlatform
	}
	return p, nil
}

// IsValid returns true if the platform is supported
func (p Platform) IsValid() bool {
	switch p {
	case PlatformX, PlatformFacebook, PlatformGoogleAnalytics, PlatformShopify, PlatformQuickBooks:
		return true
	default:
		return false
	}
}

// String returns the string representation of Platform
func (p Platform) String() string {
	return string(p)
}

// DisplayName returns a human-readable name for the platform
func (p Platform) DisplayName() string {
	switch p {
	case PlatformX:
		return "X"
	case PlatformFacebook:
		return "Facebook"
	case PlatformGoogleAnalytics:
		return "Google Analytics"
	case PlatformShopify:
		return "Shopify"
	case PlatformQuickBooks:
		return "QuickBooks"
	default:
		return string(p)
	}
}

// Family returns the platform family
func (p Platform) Family() PlatformFamily {
	switch p {
	case PlatformX, PlatformFacebook:
		return FamilySocial
	case PlatformGoogleAnalytics:
		return FamilyAnalytics
	case PlatformShopify:
		return FamilyEcommerce
	case PlatformQuickBooks:
		return FamilyAccounting
	default:
		return ""
	}
}

// RequiresSubResource reports whether a connection must name a sub-resource
// (a page, property, shop or company) to be usable.
func (p Platform) RequiresSubResource() bool {
	switch p {
	case PlatformFacebook, PlatformGoogleAnalytics, PlatformShopify, PlatformQuickBooks:
		return true
	default:
		return false
	}
}

// PlatformFamily groups platforms by the kind of data they provide
type PlatformFamily string

const (
	FamilySocial     PlatformFamily = "SOCIAL"
	FamilyAnalytics  PlatformFamily = "ANALYTICS"
	FamilyEcommerce  PlatformFamily = "ECOMMERCE"
	FamilyAccounting PlatformFamily = "ACCOUNTING"
)

// RecordKind returns the kind of records synced from platforms of this family
func (f PlatformFamily) RecordKind() RecordKind {
	switch f {
	case FamilySocial:
		return RecordKindPost
	case FamilyAnalytics:
		return RecordKindMetricRow
	case FamilyEcommerce:
		return RecordKindOrder
	case FamilyAccounting:
		return RecordKindInvoice
	default:
		return ""
	}
}
