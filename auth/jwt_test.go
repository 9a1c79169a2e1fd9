package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const secret = "test-secret"

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(JWTMiddleware(secret, zerolog.Nop()))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/whoami", func(c *gin.Context) {
		protocol, ok := GetProtocol(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, protocol)
	})
	return r
}

func TestJWTMiddleware(t *testing.T) {
	valid, err := GenerateToken(secret, "G2S", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	expired, _ := GenerateToken(secret, "G2S", -time.Hour)
	foreign, _ := GenerateToken("other-secret", "G2S", time.Hour)
	anonymous, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{}).SignedString([]byte(secret))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
		body   string
	}{
		{name: "skip path", path: "/health", want: http.StatusOK},
		{name: "valid header", path: "/whoami", header: "Bearer " + valid, want: http.StatusOK, body: "G2S"},
		{name: "query token", path: "/whoami?token=" + valid, want: http.StatusOK, body: "G2S"},
		{name: "missing", path: "/whoami", want: http.StatusUnauthorized},
		{name: "bad prefix", path: "/whoami", header: "Token " + valid, want: http.StatusUnauthorized},
		{name: "expired", path: "/whoami", header: "Bearer " + expired, want: http.StatusUnauthorized},
		{name: "wrong secret", path: "/whoami", header: "Bearer " + foreign, want: http.StatusUnauthorized},
		{name: "no protocol", path: "/whoami", header: "Bearer " + anonymous, want: http.StatusUnauthorized},
	}

	r := newRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Fatalf("expected status %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			if tt.body != "" && w.Body.String() != tt.body {
				t.Errorf("expected body %q, got %q", tt.body, w.Body.String())
			}
		})
	}
}
