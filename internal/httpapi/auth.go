package httpapi

import (
	"crypto/subtle"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeObservability checks the bearer token on the operator-only
// observability endpoint. Comparison is constant-time; a blank configured
// token means the endpoint is disabled.
func authorizeObservability(authHeader, configuredToken string) *authError {
	if strings.TrimSpace(configuredToken) == "" {
		return &authError{status: 404, code: "not_found", message: "route not found"}
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	presented := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(configuredToken)) != 1 {
		return &authError{status: 401, code: "unauthorized", message: "invalid token"}
	}
	return nil
}
