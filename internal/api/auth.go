package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// accessTokenParam carries the key on GET requests from clients that cannot
// set headers, such as EventSource and plain download links.
const accessTokenParam = "access_token"

var (
	errNoCredentials = errors.New("missing API key")
	errBadScheme     = errors.New("invalid Authorization header format")
)

// keyMatches compares digests so the comparison time does not depend on the
// configured key's length. An empty configured key never matches.
func keyMatches(provided, configured string) bool {
	if configured == "" || provided == "" {
		return false
	}
	a := sha256.Sum256([]byte(provided))
	b := sha256.Sum256([]byte(configured))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// requestKey reads Authorization: Bearer <key>, falling back to the
// access_token query parameter for GET requests.
func requestKey(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, key, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", errBadScheme
		}
		if key = strings.TrimSpace(key); key == "" {
			return "", errNoCredentials
		}
		return key, nil
	}
	if r.Method == http.MethodGet {
		if key := r.URL.Query().Get(accessTokenParam); key != "" {
			return key, nil
		}
	}
	return "", errNoCredentials
}

// authMiddleware rejects requests without the configured key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := requestKey(r)
		if err == nil && !keyMatches(key, s.config.APIKey) {
			err = errors.New("invalid API key")
		}
		if err != nil {
			s.logger.Warn("rejected request", "path", r.URL.Path, "remote", r.RemoteAddr, "reason", err.Error())
			w.Header().Set("WWW-Authenticate", `Bearer realm="tilepack"`)
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
