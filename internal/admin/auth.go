package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "jobsd"

// Claims are carried by admin JWTs. ReadOnly tokens may only use GET.
type Claims struct {
	jwt.RegisteredClaims
	ReadOnly bool `json:"ro,omitempty"`
}

// MintToken signs an HS256 admin token for subject valid for ttl.
func MintToken(secret, subject string, ttl time.Duration, readOnly bool) (string, error) {
	if secret == "" {
		return "", errors.New("admin jwt secret is empty")
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be > 0")
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ReadOnly: readOnly,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret, raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func tokenFromRequest(c *gin.Context) string {
	if v := c.Query("token"); v != "" {
		return v
	}
	if v := c.GetHeader("X-Admin-Token"); v != "" {
		return v
	}
	if h := c.GetHeader("Authorization"); strings.HasPrefix(strings.ToLower(h), "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// auth accepts the static token or, when JWTSecret is set, a signed JWT.
// With neither configured every request passes.
func (s *Service) auth(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Token == "" && cfg.JWTSecret == "" {
			c.Next()
			return
		}
		got := tokenFromRequest(c)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if cfg.Token != "" && subtle.ConstantTimeCompare([]byte(got), []byte(cfg.Token)) == 1 {
			c.Next()
			return
		}
		if cfg.JWTSecret != "" {
			claims, err := parseToken(cfg.JWTSecret, got)
			if err == nil {
				if claims.ReadOnly && c.Request.Method != http.MethodGet {
					c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "read-only token"})
					return
				}
				c.Set("claims", claims)
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}
