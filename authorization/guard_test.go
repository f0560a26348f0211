package authorization

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newGuardRouter(t *testing.T, apiKeys string) *gin.Engine {
	t.Helper()
	t.Setenv("API_KEYS", apiKeys)
	guard, err := NewGuardFromEnv()
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/whoami", guard.RequireAuthenticated(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"requester": RequesterID(c)})
	})
	return router
}

func TestNewGuardFromEnvRequiresKeys(t *testing.T) {
	t.Setenv("API_KEYS", "")
	if _, err := NewGuardFromEnv(); err == nil {
		t.Fatal("expected error without API_KEYS")
	}
	t.Setenv("API_KEYS", " , ,")
	if _, err := NewGuardFromEnv(); err == nil {
		t.Fatal("expected error with no usable entries")
	}
}

func TestRequireAuthenticatedHeaderForms(t *testing.T) {
	router := newGuardRouter(t, "secret-1:alice,bare-key")

	cases := []struct {
		name       string
		header     string
		value      string
		wantStatus int
		wantBody   string
	}{
		{"api key header", "X-API-Key", "secret-1", http.StatusOK, `"requester":"alice"`},
		{"bearer token", "Authorization", "Bearer secret-1", http.StatusOK, `"requester":"alice"`},
		{"bare key resolves to itself", "X-API-Key", "bare-key", http.StatusOK, `"requester":"bare-key"`},
		{"unknown key", "X-API-Key", "wrong", http.StatusUnauthorized, ""},
		{"missing credentials", "", "", http.StatusUnauthorized, ""},
		{"basic auth ignored", "Authorization", "Basic abc", http.StatusUnauthorized, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.wantStatus, rec.Body.String())
			}
			if tc.wantBody != "" && !strings.Contains(rec.Body.String(), tc.wantBody) {
				t.Errorf("body = %s, want it to contain %s", rec.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestRequesterIDWithoutAuthentication(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if got := RequesterID(c); got != "" {
		t.Errorf("requester = %q, want empty", got)
	}
}
