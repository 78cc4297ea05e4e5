package webserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/hotspotbill/config"
)

func newTestServer(secret string) *Server {
	s := NewServer(config.WebConfig{Host: "127.0.0.1", Port: 1816, JwtSecret: secret}, "ctx")
	s.ApiGET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Get(AppContextKey).(string))
	})
	s.HookPOST("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "hook")
	})
	return s
}

func serve(s *Server, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newTestServer("")
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/healthz", "").Code)

	rec := serve(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAdminWithoutSecretIsOpen(t *testing.T) {
	s := newTestServer("")
	rec := serve(s, http.MethodGet, AdminPrefix+"/ping", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ctx", rec.Body.String())
}

func TestAdminRequiresToken(t *testing.T) {
	s := newTestServer("s3cret")

	rec := serve(s, http.MethodGet, AdminPrefix+"/ping", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"UNAUTHORIZED"`)

	bad, err := IssueToken("other", "ops", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serve(s, http.MethodGet, AdminPrefix+"/ping", bad).Code)

	token, err := IssueToken("s3cret", "ops", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, AdminPrefix+"/ping", token).Code)

	// webhooks never need a token
	assert.Equal(t, http.StatusOK, serve(s, http.MethodPost, HookPrefix+"/ping", "").Code)
}

func TestIssueTokenNeedsSecret(t *testing.T) {
	_, err := IssueToken("", "ops", time.Hour)
	assert.Error(t, err)
}

func TestUnknownRouteEnvelope(t *testing.T) {
	s := newTestServer("")
	rec := serve(s, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"NOT_FOUND"`)
}
