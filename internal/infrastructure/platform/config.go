package platform

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/erp/platformsync/internal/domain/integration"
)

// shopPlaceholder is replaced by the connection's shop domain in Shopify endpoints
const shopPlaceholder = "{shop}"

// ErrInvalidShopDomain is returned when a Shopify sub-resource is not a bare host name
var ErrInvalidShopDomain = errors.New("platform: invalid shop domain")

// Config describes one platform's OAuth client and read API
type Config struct {
	Platform     integration.Platform `validate:"required,supported_platform"`
	ClientID     string               `validate:"required"`
	ClientSecret string               `validate:"required"`
	RedirectURL  string               `validate:"required,url"`
	AuthURL      string               `validate:"required,endpoint"`
	TokenURL     string               `validate:"required,endpoint"`
	APIBaseURL   string               `validate:"required,endpoint"`
	Scopes       []string             `validate:"min=1,dive,required"`
	// AuthStyle is "header" (HTTP basic) or "params"; empty lets x/oauth2 probe
	AuthStyle string `validate:"omitempty,oneof=header params"`
	// AuthParams are appended to the authorization URL (e.g. access_type=offline)
	AuthParams map[string]string
	// SubResourceField names a token response field carrying the sub-resource
	SubResourceField string

	Timeout           time.Duration `validate:"gte=0"`
	RequestsPerSecond float64       `validate:"gte=0"`
	Burst             int           `validate:"gte=0"`
	BreakerFailures   uint32
	BreakerCooldown   time.Duration `validate:"gte=0"`
}

// defaults per platform; only endpoints and scopes, never credentials
var platformDefaults = map[integration.Platform]Config{
	integration.PlatformX: {
		AuthURL:    "https://x.com/i/oauth2/authorize",
		TokenURL:   "https://api.x.com/2/oauth2/token",
		APIBaseURL: "https://api.x.com",
		Scopes:     []string{"tweet.read", "users.read", "offline.access"},
		AuthStyle:  "header",
	},
	integration.PlatformFacebook: {
		AuthURL:    "https://www.facebook.com/v19.0/dialog/oauth",
		TokenURL:   "https://graph.facebook.com/v19.0/oauth/access_token",
		APIBaseURL: "https://graph.facebook.com/v19.0",
		Scopes:     []string{"pages_show_list", "pages_read_engagement"},
		AuthStyle:  "params",
	},
	integration.PlatformGoogleAnalytics: {
		AuthURL:    "https://accounts.google.com/o/oauth2/auth",
		TokenURL:   "https://oauth2.googleapis.com/token",
		APIBaseURL: "https://analyticsdata.googleapis.com",
		Scopes:     []string{"https://www.googleapis.com/auth/analytics.readonly"},
		AuthStyle:  "params",
		AuthParams: map[string]string{"access_type": "offline", "prompt": "consent"},
	},
	integration.PlatformShopify: {
		AuthURL:    "https://" + shopPlaceholder + "/admin/oauth/authorize",
		TokenURL:   "https://" + shopPlaceholder + "/admin/oauth/access_token",
		APIBaseURL: "https://" + shopPlaceholder + "/admin/api/2024-01",
		Scopes:     []string{"read_orders"},
		AuthStyle:  "params",
	},
	integration.PlatformQuickBooks: {
		AuthURL:    "https://appcenter.intuit.com/connect/oauth2",
		TokenURL:   "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer",
		APIBaseURL: "https://quickbooks.api.intuit.com",
		Scopes:     []string{"com.intuit.quickbooks.accounting"},
		AuthStyle:  "header",
	},
}

// WithDefaults fills empty endpoints, scopes and client limits from the platform defaults
func (c Config) WithDefaults() Config {
	d := platformDefaults[c.Platform]
	if c.AuthURL == "" {
		c.AuthURL = d.AuthURL
	}
	if c.TokenURL == "" {
		c.TokenURL = d.TokenURL
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = d.APIBaseURL
	}
	if len(c.Scopes) == 0 {
		c.Scopes = d.Scopes
	}
	if c.AuthStyle == "" {
		c.AuthStyle = d.AuthStyle
	}
	if c.AuthParams == nil {
		c.AuthParams = d.AuthParams
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 5
	}
	if c.Burst == 0 {
		c.Burst = 10
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown == 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("supported_platform", func(fl validator.FieldLevel) bool {
		return integration.Platform(fl.Field().String()).IsValid()
	})
	_ = v.RegisterValidation("endpoint", func(fl validator.FieldLevel) bool {
		raw := strings.ReplaceAll(fl.Field().String(), shopPlaceholder, "shop.example.com")
		u, err := url.ParseRequestURI(raw)
		return err == nil && (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
	})
	return v
}

// Validate checks the config after defaults are applied
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("platform %s: %s failed on %q", c.Platform, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("platform %s: %w", c.Platform, err)
	}
	return nil
}

// resolve substitutes the shop domain into an endpoint template.
// Endpoints without the placeholder are returned unchanged.
func resolve(endpoint, shop string) (string, error) {
	if !strings.Contains(endpoint, shopPlaceholder) {
		return endpoint, nil
	}
	if shop == "" {
		return "", integration.ErrSubResourceRequired
	}
	if !validShopDomain(shop) {
		return "", fmt.Errorf("%w: %q", ErrInvalidShopDomain, shop)
	}
	return strings.ReplaceAll(endpoint, shopPlaceholder, shop), nil
}

// validShopDomain accepts a bare host name such as demo.myshopify.com
func validShopDomain(shop string) bool {
	if strings.ContainsAny(shop, "/?#@:\\ ") {
		return false
	}
	u, err := url.Parse("https://" + shop)
	return err == nil && u.Host == shop && strings.Contains(shop, ".")
}
