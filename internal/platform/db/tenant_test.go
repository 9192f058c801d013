package db

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTenantContext(header string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("X-Tenant-ID", header)
	}
	return e.NewContext(req, httptest.NewRecorder())
}

func TestExtractTenantID(t *testing.T) {
	tests := []struct {
		name   string
		header string
		jwt    interface{}
		want   string
	}{
		{"header", "smile_clinic", nil, "smile_clinic"},
		{"jwt claim", "", "jwt_practice", "jwt_practice"},
		{"jwt wins over header", "header_practice", "jwt_practice", "jwt_practice"},
		{"empty jwt falls through", "header_practice", "", "header_practice"},
		{"non-string jwt ignored", "header_practice", 42, "header_practice"},
		{"default", "", nil, "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTenantContext(tt.header)
			if tt.jwt != nil {
				c.Set("jwt_tenant_id", tt.jwt)
			}
			if got := extractTenantID(c, "default"); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestExtractTenantID_QueryIgnored(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?tenant_id=query_practice", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	if got := extractTenantID(c, "default"); got != "default" {
		t.Errorf("expected query parameter to be ignored, got %s", got)
	}
}

func TestTenantIDPattern(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"abc", true},
		{"ABC", true},
		{"practice_1", true},
		{"A1B2C3", true},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"a/b", false},
		{"", false},
		{"'; DROP TABLE", false},
		{"practice@1", false},
	}
	for _, tt := range tests {
		if got := tenantIDPattern.MatchString(tt.input); got != tt.valid {
			t.Errorf("tenantIDPattern.MatchString(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestSchemaName(t *testing.T) {
	if got := SchemaName("smile"); got != "tenant_smile" {
		t.Errorf("expected tenant_smile, got %s", got)
	}
}

func TestTenantContext(t *testing.T) {
	ctx := WithTenant(context.Background(), "smile")
	if got := TenantFromContext(ctx); got != "smile" {
		t.Errorf("expected smile, got %s", got)
	}
	if got := TenantFromContext(context.Background()); got != "" {
		t.Errorf("expected empty string, got %s", got)
	}
	wrong := context.WithValue(context.Background(), TenantIDKey, 12345)
	if got := TenantFromContext(wrong); got != "" {
		t.Errorf("expected empty string when context value is wrong type, got %q", got)
	}
}

func TestConnFromContext(t *testing.T) {
	if ConnFromContext(context.Background()) != nil {
		t.Error("expected nil conn from empty context")
	}
	ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestCreateTenantSchema_InvalidIDs(t *testing.T) {
	for _, id := range []string{"practice-with-dash", "practice.dot", "prac tice", "drop;table", ""} {
		if err := CreateTenantSchema(context.Background(), nil, id, nil); err == nil {
			t.Errorf("expected error for invalid tenant ID %q", id)
		}
	}
}

func TestWithTenantConn_InvalidIDs(t *testing.T) {
	called := false
	for _, id := range []string{"practice-with-dash", "drop;table", ""} {
		err := WithTenantConn(context.Background(), nil, id, func(context.Context) error {
			called = true
			return nil
		})
		if err == nil {
			t.Errorf("expected error for invalid tenant ID %q", id)
		}
	}
	if called {
		t.Error("expected fn not to run for an invalid tenant")
	}
}

func TestTenantConnError_Unwrap(t *testing.T) {
	cause := context.DeadlineExceeded
	err := &tenantConnError{status: http.StatusServiceUnavailable, msg: "database unavailable", err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected tenantConnError to unwrap to its cause")
	}
	if err.Error() != "database unavailable: context deadline exceeded" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
