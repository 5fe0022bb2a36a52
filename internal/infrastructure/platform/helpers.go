package platform

// bearer returns the Authorization header for an OAuth access token
func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// clampPageSize keeps a requested page size inside the platform's accepted range
func clampPageSize(n, lo, hi int) int {
	if n <= 0 || n > hi {
		return hi
	}
	if n < lo {
		return lo
	}
	return n
}
