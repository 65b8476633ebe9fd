package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newMiddlewareRouter(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	t.Cleanup(func() { db.Close() })
	insertUser(t, db, 5)

	svc := NewService(db, nil, time.Hour)
	token, err := svc.IssueToken(context.Background(), 5)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}

	owns := func(_ context.Context, projectID, userID int64) error {
		if projectID == 42 && userID == 5 {
			return nil
		}
		return ErrProjectNotFound
	}

	router := gin.New()
	group := router.Group("/p/:project_id", svc.Middleware(), svc.CSRFMiddleware(), ProjectMiddleware(owns))
	handler := func(c *gin.Context) {
		projectID, _ := ProjectIDFromContext(c)
		userID, _ := UserIDFromContext(c)
		c.JSON(http.StatusOK, gin.H{"project": projectID, "user": userID})
	}
	group.GET("/ping", handler)
	group.POST("/ping", handler)
	return router, token
}

func TestProjectMiddlewareOwnership(t *testing.T) {
	router, token := newMiddlewareRouter(t)

	cases := []struct {
		name   string
		path   string
		bearer string
		want   int
	}{
		{"owner", "/p/42/ping", token, http.StatusOK},
		{"other project", "/p/43/ping", token, http.StatusNotFound},
		{"bad id", "/p/abc/ping", token, http.StatusBadRequest},
		{"no token", "/p/42/ping", "", http.StatusUnauthorized},
		{"bad token", "/p/42/ping", "nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tc.bearer)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status: want %d got %d (%s)", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCSRFRequiredForCookieAuth(t *testing.T) {
	router, token := newMiddlewareRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/p/42/ping", nil)
	req.AddCookie(&http.Cookie{Name: "agentdesk_token", Value: token})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cookie post without csrf: want 403 got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/p/42/ping", nil)
	req.AddCookie(&http.Cookie{Name: "agentdesk_token", Value: token})
	req.AddCookie(&http.Cookie{Name: "agentdesk_csrf", Value: "abc"})
	req.Header.Set("X-CSRF-Token", "abc")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("cookie post with csrf: want 200 got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/p/42/ping", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer post: want 200 got %d", rec.Code)
	}
}
