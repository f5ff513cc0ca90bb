package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"
)

// Verifier checks request bearer tokens against the accepted session keys.
type Verifier struct {
	keys [][]byte
}

// LoadVerifier reads a YAML key file of the form:
//
//	keys:
//	  - <secret>
//
// Every listed key is accepted for HS256 verification, which permits
// rotation: issuers sign with the newest key while tokens minted under
// older keys age out.
func LoadVerifier(path string) (*Verifier, error) {
	var in, err = os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening key file: %w", err)
	}
	defer in.Close()

	var doc struct {
		Keys []string `yaml:"keys"`
	}
	var dec = yaml.NewDecoder(in)
	dec.KnownFields(true)

	if err = dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}
	if len(doc.Keys) == 0 {
		return nil, errors.New("key file lists no keys")
	}

	var v = &Verifier{}
	for _, key := range doc.Keys {
		v.keys = append(v.keys, []byte(key))
	}
	return v, nil
}

// Verify validates |tokenString| against the accepted keys and returns the
// token subject.
func (v *Verifier) Verify(tokenString string) (string, error) {
	for _, key := range v.keys {
		var token, err = jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return key, nil
		})
		if err == nil && token.Valid {
			var subject, _ = token.Claims.GetSubject()
			return subject, nil
		}
	}
	return "", errors.New("invalid or expired token")
}

type subjectKey struct{}

// subjectOf returns the authenticated token subject, or "" when the
// request was not authenticated.
func subjectOf(ctx context.Context) string {
	var subject, _ = ctx.Value(subjectKey{}).(string)
	return subject
}

// Middleware rejects requests without a valid bearer token. Websocket
// clients can't set headers from browsers, so a "token" query parameter is
// accepted as a fallback.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string
		if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
			token = strings.TrimPrefix(bearer, "Bearer ")
		} else {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}

		var subject, err = v.Verify(token)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), subjectKey{}, subject)))
	})
}
