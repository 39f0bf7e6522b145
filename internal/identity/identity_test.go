package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/botadmin/internal/rbac"
)

func TestMemoryProvider_Resolve(t *testing.T) {
	roles := rbac.NewMemoryStore()
	roles.Assign(1, rbac.RoleOperator)

	p := NewMemoryProvider(roles)
	p.Register(&AdminIdentity{ID: 1, Email: "op@example.com", Active: true})
	p.StartSession("tok-1", 1, time.Hour)

	admin, err := p.Resolve(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if admin.ID != 1 || len(admin.Roles) != 1 || admin.Roles[0] != rbac.RoleOperator {
		t.Errorf("Unexpected identity: %+v", admin)
	}
}

func TestMemoryProvider_EmptyToken(t *testing.T) {
	p := NewMemoryProvider(nil)
	if _, err := p.Resolve(context.Background(), ""); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected ErrNoSession, got %v", err)
	}
}

func TestMemoryProvider_UnknownToken(t *testing.T) {
	p := NewMemoryProvider(nil)
	if _, err := p.Resolve(context.Background(), "nope"); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("Expected ErrInvalidSession, got %v", err)
	}
}

func TestMemoryProvider_ExpiredSession(t *testing.T) {
	p := NewMemoryProvider(nil)
	p.Register(&AdminIdentity{ID: 2, Active: true})
	p.StartSession("tok-2", 2, -time.Minute)

	if _, err := p.Resolve(context.Background(), "tok-2"); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("Expected ErrInvalidSession for expired session, got %v", err)
	}
}

func TestMemoryProvider_InactiveAdmin(t *testing.T) {
	p := NewMemoryProvider(nil)
	p.Register(&AdminIdentity{ID: 3, Active: false})
	p.StartSession("tok-3", 3, time.Hour)

	if _, err := p.Resolve(context.Background(), "tok-3"); !errors.Is(err, ErrInactiveAdmin) {
		t.Errorf("Expected ErrInactiveAdmin, got %v", err)
	}
}

func TestAdminIdentity_Permissions(t *testing.T) {
	admin := &AdminIdentity{ID: 1, Roles: []rbac.Role{rbac.RoleReadOnly}, Active: true}
	if admin.Permissions().Allows(rbac.ActionBlockUser) {
		t.Error("Expected read_only identity to lack block permission")
	}
	legacy := &AdminIdentity{ID: 2, Superuser: true, Active: true}
	if !legacy.Permissions().Allows(rbac.ActionBlockUser) {
		t.Error("Expected legacy superuser to hold block permission")
	}
	if !legacy.FullAccess() {
		t.Error("Expected legacy superuser to report full access")
	}
}

func newTestRouter(p Provider) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(p))
	r.GET("/open", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/protected", RequireAdmin(), func(c *gin.Context) {
		admin, _ := FromGin(c)
		c.JSON(http.StatusOK, gin.H{"id": admin.ID})
	})
	return r
}

func TestMiddleware_BearerToken(t *testing.T) {
	p := NewMemoryProvider(nil)
	p.Register(&AdminIdentity{ID: 5, Active: true})
	p.StartSession("tok-5", 5, time.Hour)

	r := newTestRouter(p)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer tok-5")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMiddleware_SessionCookie(t *testing.T) {
	p := NewMemoryProvider(nil)
	p.Register(&AdminIdentity{ID: 6, Active: true})
	p.StartSession("tok-6", 6, time.Hour)

	r := newTestRouter(p)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "tok-6"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestRequireAdmin_RejectsAnonymous(t *testing.T) {
	r := newTestRouter(NewMemoryProvider(nil))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestMiddleware_AnonymousPassThrough(t *testing.T) {
	r := newTestRouter(NewMemoryProvider(nil))

	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 on open route, got %d", w.Code)
	}
}
