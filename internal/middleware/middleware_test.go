package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/checkin-reconciler/internal/config"
	"github.com/iliyamo/checkin-reconciler/internal/model"
	"github.com/iliyamo/checkin-reconciler/internal/utils"
)

func newEcho(secret string, roles ...string) *echo.Echo {
	e := echo.New()
	g := e.Group("/v1", JWTAuth(secret), RequireRole(roles...))
	g.GET("/whoami", func(c echo.Context) error {
		id, _ := OperatorID(c)
		return c.JSON(http.StatusOK, echo.Map{"id": id, "role": c.Get(KeyRole)})
	})
	return e
}

func call(e *echo.Echo, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuthAndRole(t *testing.T) {
	t.Parallel()
	e := newEcho("s3cret", model.RoleAdmin)
	admin, _ := utils.NewAccessToken("s3cret", model.Operator{ID: 7, Role: model.RoleAdmin}, time.Hour, time.Now())
	door, _ := utils.NewAccessToken("s3cret", model.Operator{ID: 8, Role: model.RoleDoor}, time.Hour, time.Now())

	cases := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"bad", "abc", http.StatusUnauthorized},
		{"wrong role", door.Token, http.StatusForbidden},
		{"admin", admin.Token, http.StatusOK},
	}
	for _, tc := range cases {
		if rec := call(e, tc.token); rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d (%s)", tc.name, rec.Code, tc.want, rec.Body.String())
		}
	}
}

func TestBuildRateKey(t *testing.T) {
	t.Parallel()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/attendees/3/checkin", nil)
	req.Header.Set("X-Real-IP", "10.0.0.9")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/v1/attendees/:id/checkin")

	cfg := config.RateLimitConfig{Prefix: "rl", KeyStrategy: "ip_user_route"}
	if got := buildRateKey(cfg, c); got != "rl:ip:10.0.0.9:user:anon:route:POST /v1/attendees/:id/checkin" {
		t.Fatalf("key = %q", got)
	}
	c.Set(KeyOperatorID, uint64(12))
	cfg.KeyStrategy = "user"
	if got := buildRateKey(cfg, c); got != "rl:user:12" {
		t.Fatalf("key = %q", got)
	}
}

func TestNewTokenBucket_DisabledPassesThrough(t *testing.T) {
	t.Parallel()
	e := echo.New()
	e.Use(NewTokenBucket(config.RateLimitConfig{Enabled: true}, nil, nil))
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
}
