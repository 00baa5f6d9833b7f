package httpapi

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const claimsKey = "claims"

// TokenVerifier checks RS256 tokens issued by the auth service.
type TokenVerifier struct {
	key *rsa.PublicKey
}

// NewTokenVerifier parses a PEM encoded RSA public key. An empty key yields
// a nil verifier, which rejects every token.
func NewTokenVerifier(publicKeyPEM string) (*TokenVerifier, error) {
	if strings.TrimSpace(publicKeyPEM) == "" {
		return nil, nil
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("invalid JWT public key: %w", err)
	}
	return &TokenVerifier{key: key}, nil
}

func (v *TokenVerifier) Verify(raw string) (jwt.MapClaims, error) {
	if v == nil {
		return nil, errors.New("token verification is not configured")
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// RequireToken rejects requests without a valid bearer token.
func RequireToken(v *TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		if raw == "" {
			abortWithError(c, http.StatusUnauthorized, "missing token", nil)
			return
		}

		parts := strings.Split(raw, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abortWithError(c, http.StatusUnauthorized, "invalid token", nil)
			return
		}

		claims, err := v.Verify(parts[1])
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, "unauthorized", err)
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// Caller returns the user id of the verified token on c, or "" on anonymous
// routes. The auth service puts it in "id"; "sub" is accepted too.
func Caller(c *gin.Context) string {
	v, ok := c.Get(claimsKey)
	if !ok {
		return ""
	}
	claims, ok := v.(jwt.MapClaims)
	if !ok {
		return ""
	}
	for _, name := range []string{"id", "sub"} {
		switch id := claims[name].(type) {
		case string:
			if id != "" {
				return id
			}
		case float64:
			return strconv.FormatFloat(id, 'f', -1, 64)
		}
	}
	return ""
}
