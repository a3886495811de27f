package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTokenService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Mode: ModeToken,
		Tokens: []TokenConfig{
			{Name: "dashboard", SHA256: HashToken("read-token"), Permissions: []string{PermissionRead}},
			{Name: "clinic", SHA256: HashToken("admin-token"), Permissions: []string{"*"}},
			{Name: "former", SHA256: HashToken("old-token"), Permissions: []string{"*"}, Disabled: true},
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTokenService(t)
	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, "Bearer read-token")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "dashboard" || !subject.HasPermission(PermissionRead) || subject.HasPermission(PermissionManage) {
		t.Fatalf("unexpected subject %+v", subject)
	}

	cases := map[string]error{
		"":                 ErrMissingToken,
		"Basic abc":        ErrMissingToken,
		"Bearer nope":      ErrInvalidToken,
		"bearer old-token": ErrSubjectRevoked,
	}
	for header, want := range cases {
		if _, err := svc.AuthenticateRequest(ctx, header); !errors.Is(err, want) {
			t.Fatalf("header %q: expected %v, got %v", header, want, err)
		}
	}
}

func TestNewServiceValidatesDigests(t *testing.T) {
	if _, err := NewService(Config{Mode: ModeToken, Tokens: []TokenConfig{{Name: "x", SHA256: "abc"}}}); err == nil {
		t.Fatal("expected short digest to be rejected")
	}
	if _, err := NewService(Config{Mode: "ldap"}); err == nil {
		t.Fatal("expected unknown mode to be rejected")
	}
	svc, err := NewService(Config{})
	if err != nil || svc.Mode() != ModeDisabled {
		t.Fatalf("empty config should disable auth, got %v %v", svc.Mode(), err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTokenService(t)
	var seen *Subject
	h := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet: {PermissionRead},
			"*":            {PermissionManage},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = CallerFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(method, token string) int {
		req := httptest.NewRequest(method, "/api/v1/plugins", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := call(http.MethodGet, ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code := call(http.MethodGet, "read-token"); code != http.StatusNoContent {
		t.Fatalf("expected read access, got %d", code)
	}
	if seen == nil || seen.Name != "dashboard" {
		t.Fatalf("subject not propagated: %+v", seen)
	}
	if code := call(http.MethodDelete, "read-token"); code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing permission, got %d", code)
	}
	if code := call(http.MethodDelete, "admin-token"); code != http.StatusNoContent {
		t.Fatalf("expected wildcard access, got %d", code)
	}
	if code := call(http.MethodGet, "old-token"); code != http.StatusForbidden {
		t.Fatalf("expected 403 for disabled subject, got %d", code)
	}
}

func TestCallerHelpers(t *testing.T) {
	if name := CallerName(context.Background()); name != "anonymous" {
		t.Fatalf("expected anonymous caller, got %q", name)
	}
	if _, ok := CallerFrom(nil); ok {
		t.Fatal("nil context should carry no caller")
	}
	if ctx := withCaller(context.Background(), nil); ctx != context.Background() {
		t.Fatal("nil caller should leave the context untouched")
	}

	ctx := withCaller(context.Background(), &Subject{Name: "pump-app", Permissions: []string{" Device:Calibrate "}})
	caller, ok := CallerFrom(ctx)
	if !ok || caller.Name != "pump-app" {
		t.Fatalf("caller not attached: %+v", caller)
	}
	if !caller.HasPermission(PermissionCalibrate) {
		t.Fatal("permission set should be normalised on attach")
	}
	if name := CallerName(ctx); name != "pump-app" {
		t.Fatalf("unexpected caller name %q", name)
	}
	if name := CallerName(withCaller(context.Background(), &Subject{})); name != "anonymous" {
		t.Fatalf("unnamed caller should audit as anonymous, got %q", name)
	}
}
