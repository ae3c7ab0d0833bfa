package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/polar-ops/internal/config"
)

func newService() *Service {
	return NewService(config.AuthConfig{
		JWTSecret: "test-secret",
		APIKey:    "ops-key",
		APISecret: "ops-secret",
		TokenTTL:  time.Hour,
	})
}

func TestGenerateAndValidate(t *testing.T) {
	s := newService()

	tok, err := s.GenerateToken(Credentials{APIKey: "ops-key", APISecret: "ops-secret"})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := s.ValidateToken(tok.Token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.ClientID != "ops-key" {
		t.Errorf("client id = %q", claims.ClientID)
	}
	if !claims.HasPermission(PermissionOperate) {
		t.Errorf("permissions = %v", claims.Permissions)
	}
}

func TestInvalidCredentials(t *testing.T) {
	s := newService()
	if _, err := s.GenerateToken(Credentials{APIKey: "ops-key", APISecret: "wrong"}); err != ErrInvalidCredentials {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := s.GenerateToken(Credentials{APIKey: "other", APISecret: "ops-secret"}); err != ErrInvalidCredentials {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestExpiredToken(t *testing.T) {
	s := newService()
	start := time.Now()
	s.now = func() time.Time { return start }

	tok, err := s.GenerateToken(Credentials{APIKey: "ops-key", APISecret: "ops-secret"})
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return start.Add(2 * time.Hour) }
	if _, err := s.ValidateToken(tok.Token); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestForeignSecret(t *testing.T) {
	tok, err := newService().GenerateToken(Credentials{APIKey: "ops-key", APISecret: "ops-secret"})
	if err != nil {
		t.Fatal(err)
	}
	other := NewService(config.AuthConfig{JWTSecret: "another-secret"})
	if _, err := other.ValidateToken(tok.Token); err == nil {
		t.Fatal("token signed with another secret must fail")
	}
}

func TestGenerateTokenHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/auth/token", NewGinHandlers(newService()).GenerateTokenHandler())

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"valid", Credentials{APIKey: "ops-key", APISecret: "ops-secret"}, http.StatusCreated},
		{"wrong secret", Credentials{APIKey: "ops-key", APISecret: "nope"}, http.StatusUnauthorized},
		{"missing fields", map[string]string{"api_key": "ops-key"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.body)
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/auth/token", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}
