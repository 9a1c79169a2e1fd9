package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Digital-Creators-Team/progressive-core/types"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Context keys for caller information
const (
	ProtocolKey = "protocol"
	ClaimsKey   = "claims"
)

// Claims identifies the protocol adapter (G2S, SAS, ...) making a call.
// Linked level ownership and claim authorization are checked against it.
type Claims struct {
	Protocol string `json:"protocol"`
	jwt.RegisteredClaims
}

// JWTConfig holds JWT middleware configuration
type JWTConfig struct {
	Secret      string
	TokenPrefix string // "Bearer"
	// QueryParam is read when no Authorization header is sent, for
	// WebSocket clients that cannot set headers.
	QueryParam string
	SkipPaths  []string
}

// DefaultJWTConfig returns default JWT configuration
func DefaultJWTConfig(secret string) JWTConfig {
	return JWTConfig{
		Secret:      secret,
		TokenPrefix: "Bearer",
		QueryParam:  "token",
		SkipPaths:   []string{"/health", "/api/health"},
	}
}

// JWTMiddleware creates a JWT authentication middleware
func JWTMiddleware(secret string, logger zerolog.Logger) gin.HandlerFunc {
	return JWTMiddlewareWithConfig(DefaultJWTConfig(secret), logger)
}

// JWTMiddlewareWithConfig creates a JWT middleware with custom configuration
func JWTMiddlewareWithConfig(config JWTConfig, logger zerolog.Logger) gin.HandlerFunc {
	skipPaths := make(map[string]bool)
	for _, path := range config.SkipPaths {
		skipPaths[path] = true
	}

	return func(c *gin.Context) {
		if skipPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		tokenString, msg := extractToken(c, config)
		if msg != "" {
			logger.Warn().Str("path", c.Request.URL.Path).Msg(msg)
			abort(c, msg)
			return
		}

		claims, err := ParseToken(config.Secret, tokenString)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to parse JWT token")
			abort(c, "Invalid or expired token")
			return
		}
		if claims.Protocol == "" {
			logger.Warn().Msg("Token without protocol claim")
			abort(c, "Token does not name a protocol")
			return
		}

		c.Set(ProtocolKey, claims.Protocol)
		c.Set(ClaimsKey, claims)

		logger.Debug().
			Str("protocol", claims.Protocol).
			Msg("JWT authentication successful")

		c.Next()
	}
}

func extractToken(c *gin.Context, config JWTConfig) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if config.QueryParam != "" {
			if token := c.Query(config.QueryParam); token != "" {
				return token, ""
			}
		}
		return "", "Missing Authorization header"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != config.TokenPrefix {
		return "", "Invalid Authorization header format. Expected: Bearer <token>"
	}
	return parts[1], ""
}

func abort(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, types.ErrorResponse{
		StatusCode: http.StatusUnauthorized,
		IsSuccess:  false,
		Error: types.ErrorDetail{
			Timestamp:    time.Now().Format(time.RFC3339),
			Path:         c.Request.URL.Path,
			ErrorMessage: message,
			ErrorCode:    http.StatusUnauthorized,
		},
	})
}

// ParseToken validates an HMAC-signed token and returns its claims.
func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// GetProtocol extracts the calling protocol from context
func GetProtocol(c *gin.Context) (string, bool) {
	protocol, exists := c.Get(ProtocolKey)
	if !exists {
		return "", false
	}
	protocolStr, ok := protocol.(string)
	return protocolStr, ok && protocolStr != ""
}

// GetClaims extracts full claims from context
func GetClaims(c *gin.Context) (*Claims, bool) {
	claims, exists := c.Get(ClaimsKey)
	if !exists {
		return nil, false
	}
	claimsObj, ok := claims.(*Claims)
	return claimsObj, ok
}

// GenerateToken issues a token for a protocol adapter.
func GenerateToken(secret, protocol string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Protocol: protocol,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   protocol,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
