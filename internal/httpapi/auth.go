package httpapi

import (
	"log"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminAuth guards operator endpoints with a shared key whose bcrypt hash
// is configured through ADMIN_KEY_HASH. With no hash configured every admin
// request is refused.
type AdminAuth struct {
	hash []byte
}

func NewAdminAuth(hash string) *AdminAuth {
	return &AdminAuth{hash: []byte(strings.TrimSpace(hash))}
}

// HashAdminKey produces a value suitable for ADMIN_KEY_HASH.
func HashAdminKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (a *AdminAuth) Authorize(w http.ResponseWriter, r *http.Request) bool {
	if a == nil || len(a.hash) == 0 {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "admin_disabled", "admin key is not configured")
		return false
	}
	key := adminKeyFromRequest(r)
	if key == "" {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing admin key")
		return false
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(key)); err != nil {
		log.Printf("admin key rejected path=%s request_id=%s", r.URL.Path, requestIDFromRequest(r))
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid admin key")
		return false
	}
	return true
}

func adminKeyFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Admin-Key"))
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
