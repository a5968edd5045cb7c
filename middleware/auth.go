package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"chorus/presence-service/cluster"
	"chorus/presence-service/models"
)

// UserIDKey is the gin context key holding the authenticated caller.
const UserIDKey = "userID"

// UserIDHeader identifies the caller when no JWT secret is configured, for
// local development behind a trusted gateway.
const UserIDHeader = "X-User-ID"

// Auth resolves the calling user. With a secret it requires an HS256 token
// carrying a user_id (or sub) claim, from the Authorization header or the
// token query parameter used by websocket clients.
func Auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			userID := c.GetHeader(UserIDHeader)
			if userID == "" {
				unauthorized(c, "Missing "+UserIDHeader+" header")
				return
			}
			c.Set(UserIDKey, userID)
			c.Next()
			return
		}

		tokenString := extractToken(c.Request)
		if tokenString == "" {
			unauthorized(c, "Missing authorization token")
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			unauthorized(c, "Invalid token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			unauthorized(c, "Invalid token claims")
			return
		}
		userID, _ := claims["user_id"].(string)
		if userID == "" {
			userID, _ = claims["sub"].(string)
		}
		if userID == "" {
			unauthorized(c, "Invalid token claims")
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// CurrentUser returns the user set by Auth.
func CurrentUser(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

func extractToken(r *http.Request) string {
	bearerToken := r.Header.Get("Authorization")
	if strings.HasPrefix(bearerToken, "Bearer ") {
		return strings.TrimPrefix(bearerToken, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, models.APIResponse{Error: msg})
}

// InternalToken guards node-to-node endpoints. An empty token disables the
// check.
func InternalToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := c.GetHeader(cluster.InternalTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, models.APIResponse{Error: "Invalid internal token"})
			return
		}
		c.Next()
	}
}
