package api

import (
	"errors"
	"fmt"
	"strings"

	"payment-service/internal/apperr"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	userIDKey    = "user_id"
	userEmailKey = "user_email"
	userIDHeader = "X-User-ID"
)

// Claims are the access token claims issued by the identity service.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// Authenticator resolves the calling user. With a JWT secret it requires an
// HS256 bearer token and uses its subject; without one it trusts the
// X-User-ID header set by the gateway in front of the service.
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(a.secret) == 0 {
			userID := strings.TrimSpace(c.GetHeader(userIDHeader))
			if userID == "" {
				c.AbortWithStatusJSON(apperr.ErrUnauthorized.Status, gin.H{
					"success": false,
					"error":   apperr.ErrUnauthorized.Code,
					"message": apperr.ErrUnauthorized.Message,
				})
				return
			}
			c.Set(userIDKey, userID)
			c.Next()
			return
		}

		claims, err := a.validate(extractBearerToken(c))
		if err != nil {
			c.AbortWithStatusJSON(apperr.ErrUnauthorized.Status, gin.H{
				"success": false,
				"error":   apperr.ErrUnauthorized.Code,
				"message": "invalid or expired token",
			})
			return
		}
		c.Set(userIDKey, claims.Subject)
		c.Set(userEmailKey, claims.Email)
		c.Next()
	}
}

func (a *Authenticator) validate(token string) (*Claims, error) {
	if token == "" {
		return nil, errors.New("missing bearer token")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// IssueToken signs a token for userID; used by tests and local tooling.
func (a *Authenticator) IssueToken(userID, email string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = userID
	if claims.Issuer == "" {
		claims.Issuer = a.issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: claims, Email: email})
	return token.SignedString(a.secret)
}

func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}
