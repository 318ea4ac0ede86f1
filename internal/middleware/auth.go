// Package middleware provides the gin middleware stack: bearer-token
// authentication, request logging, CORS, and rate limiting.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/clearhold/escrow-backend/internal/model"
)

// PrincipalKey is the gin context key the authenticated identity is stored
// under.
const PrincipalKey = "principal"

// Claims are the verified token claims the core consumes.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Auth verifies the Authorization bearer token and stores the resulting
// Principal on the request context. Token verification is the external
// collaborator; everything downstream trusts the Principal.
func Auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication token is required."})
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set(PrincipalKey, model.Principal{ID: claims.Subject, Email: claims.Email})
		c.Next()
	}
}

// PrincipalFrom extracts the authenticated principal set by Auth.
func PrincipalFrom(c *gin.Context) (model.Principal, bool) {
	v, ok := c.Get(PrincipalKey)
	if !ok {
		return model.Principal{}, false
	}
	p, ok := v.(model.Principal)
	return p, ok
}
