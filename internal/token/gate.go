package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

type contextKey string

const (
	ctxDevice contextKey = "media_device"
	ctxUser   contextKey = "media_user"
	ctxClaims contextKey = "media_claims"
)

// errorBody is the {error, message} JSON shape spec.md §6 requires for every
// HTTP-facing failure.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, errKind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errKind, Message: message})
}

// MediaAuth returns middleware that requires a valid media token, and
// optionally a set of permissions the token's claims must all carry.
func MediaAuth(svc *Service, required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := extractToken(r)
			if tok == "" {
				writeError(w, http.StatusUnauthorized, "Unauthorized", "Missing authentication token")
				return
			}

			result, err := svc.VerifyToken(tok)
			if err != nil {
				status, errKind, message := mapVerifyError(err)
				writeError(w, status, errKind, message)
				return
			}

			for _, perm := range required {
				if !result.Claims.HasPermission(perm) {
					writeError(w, http.StatusForbidden, "Forbidden", "Insufficient permissions")
					return
				}
			}

			ctx := context.WithValue(r.Context(), ctxDevice, result.Device)
			ctx = context.WithValue(ctx, ctxUser, result.Device.UserID)
			ctx = context.WithValue(ctx, ctxClaims, result.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractToken pulls the bearer token from the Authorization header if
// present, else from the ?token= query parameter. Header wins when both are
// present.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			return auth[len(prefix):]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func mapVerifyError(err error) (status int, errKind, message string) {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return http.StatusUnauthorized, "Unauthorized", "Token expired"
	case errors.Is(err, ErrDeviceRevoked):
		return http.StatusForbidden, "Forbidden", "Device revoked"
	case errors.Is(err, ErrDeviceNotFound):
		return http.StatusUnauthorized, "Unauthorized", "Invalid device"
	default:
		return http.StatusUnauthorized, "Unauthorized", "Invalid token"
	}
}

// DeviceFromContext retrieves the authenticated device attached by MediaAuth.
func DeviceFromContext(ctx context.Context) (interface{}, bool) {
	v := ctx.Value(ctxDevice)
	return v, v != nil
}

// ClaimsFromContext retrieves the verified claims attached by MediaAuth.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(ctxClaims).(Claims)
	return c, ok
}
