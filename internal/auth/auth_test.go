package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestGate(basePath string) *Gate {
	return New(Config{
		Secret:        []byte("0123456789abcdef"),
		AdminUser:     "admin",
		AdminPassword: "ok",
		BasePath:      basePath,
	})
}

func TestLoginInvalidShowsFormAndError(t *testing.T) {
	t.Parallel()

	g := newTestGate("/x")

	form := url.Values{}
	form.Set("username", "admin")
	form.Set("password", "bad")
	req := httptest.NewRequest(http.MethodPost, "http://example/x/login", strings.NewReader(form.Encode()))
	req.Header.Set("content-type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()

	g.HandleLogin(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "Invalid credentials") {
		t.Fatalf("expected invalid credentials message, body=%q", body)
	}
	if !strings.Contains(body, `value="admin"`) {
		t.Fatalf("expected user preserved, body=%q", body)
	}
	if !strings.Contains(body, "<form") {
		t.Fatalf("expected login form, body=%q", body)
	}
	if rr.Header().Get("Set-Cookie") != "" {
		t.Fatalf("no cookie expected on failure")
	}
}

func TestLoginValidSetsCookieAndRedirectsWithBasePath(t *testing.T) {
	t.Parallel()

	g := newTestGate("/x")

	form := url.Values{}
	form.Set("username", "admin")
	form.Set("password", "ok")
	req := httptest.NewRequest(http.MethodPost, "http://example/x/login", strings.NewReader(form.Encode()))
	req.Header.Set("content-type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()

	g.HandleLogin(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("status: got %d", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "/x/" {
		t.Fatalf("expected redirect /x/, got %q", loc)
	}
	setCookie := rr.Header().Get("Set-Cookie")
	if !strings.Contains(setCookie, CookieName+"=") {
		t.Fatalf("expected session cookie, got %q", setCookie)
	}
	if !strings.Contains(setCookie, "Path=/x") || !strings.Contains(setCookie, "SameSite=Strict") || !strings.Contains(setCookie, "HttpOnly") {
		t.Fatalf("unexpected cookie attributes %q", setCookie)
	}
}

func TestAPILogin(t *testing.T) {
	t.Parallel()

	g := newTestGate("/")

	req := httptest.NewRequest(http.MethodPost, "http://example/api/auth/login", strings.NewReader(`{"username":"admin","password":"ok"}`))
	rr := httptest.NewRecorder()
	g.HandleAPILogin(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d", rr.Code)
	}
	var resp loginResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !resp.Success || resp.Redirect != "/" {
		t.Fatalf("unexpected response %+v", resp)
	}

	res := rr.Result()
	defer res.Body.Close()
	cookies := res.Cookies()
	if len(cookies) != 1 || cookies[0].Name != CookieName {
		t.Fatalf("cookies=%v", cookies)
	}
	sess, ok := g.Validate(cookies[0].Value)
	if !ok || sess.User != "admin" || sess.CSRF == "" || sess.ID == "" {
		t.Fatalf("issued session invalid: %+v ok=%v", sess, ok)
	}
}

func TestAPILoginRejects(t *testing.T) {
	t.Parallel()

	g := newTestGate("/")
	cases := []struct {
		body string
		code int
	}{
		{`{"username":"admin","password":"nope"}`, http.StatusUnauthorized},
		{`{"username":"root","password":"ok"}`, http.StatusUnauthorized},
		{`{"username":"","password":""}`, http.StatusBadRequest},
		{`{`, http.StatusBadRequest},
	}
	for _, c := range cases {
		rr := httptest.NewRecorder()
		g.HandleAPILogin(rr, httptest.NewRequest(http.MethodPost, "http://example/api/auth/login", strings.NewReader(c.body)))
		if rr.Code != c.code {
			t.Fatalf("%s: expected %d, got %d", c.body, c.code, rr.Code)
		}
		if rr.Header().Get("Set-Cookie") != "" {
			t.Fatalf("%s: unexpected cookie", c.body)
		}
	}
}

func TestFailedLoginIsDelayed(t *testing.T) {
	t.Parallel()

	g := New(Config{Secret: []byte("k"), AdminUser: "admin", AdminPassword: "ok", FailureDelay: 150 * time.Millisecond})
	start := time.Now()
	rr := httptest.NewRecorder()
	g.HandleAPILogin(rr, httptest.NewRequest(http.MethodPost, "http://example/api/auth/login", strings.NewReader(`{"username":"admin","password":"bad"}`)))
	if time.Since(start) < 150*time.Millisecond {
		t.Fatalf("failed login returned too quickly")
	}
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d", rr.Code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g = New(Config{Secret: []byte("k"), AdminUser: "admin", AdminPassword: "ok", FailureDelay: time.Hour})
	req := httptest.NewRequest(http.MethodPost, "http://example/api/auth/login", strings.NewReader(`{"username":"admin","password":"bad"}`)).WithContext(ctx)
	g.HandleAPILogin(httptest.NewRecorder(), req)
}

func TestLogoutClearsCookieAndRedirectsWithBasePath(t *testing.T) {
	t.Parallel()

	g := newTestGate("/x")

	req := httptest.NewRequest(http.MethodPost, "http://example/x/logout", nil)
	rr := httptest.NewRecorder()

	g.HandleLogout(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("status: got %d", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "/x/login" {
		t.Fatalf("expected redirect /x/login, got %q", loc)
	}
	setCookie := rr.Header().Get("Set-Cookie")
	if !strings.Contains(setCookie, CookieName+"=") || !(strings.Contains(setCookie, "Max-Age=0") || strings.Contains(setCookie, "Max-Age=-1")) {
		t.Fatalf("expected cookie cleared, got %q", setCookie)
	}
	if !strings.Contains(setCookie, "Path=/x") {
		t.Fatalf("expected cookie Path=/x, got %q", setCookie)
	}
}

func TestValidateRejectsExpiredAndTampered(t *testing.T) {
	t.Parallel()

	g := newTestGate("/")
	token, sess, err := g.Issue("admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if sess.Exp-sess.Created != int64(DefaultTTL/time.Second) {
		t.Fatalf("ttl=%d", sess.Exp-sess.Created)
	}
	got, ok := g.Validate(token)
	if !ok || got.ID != sess.ID || got.CSRF != sess.CSRF {
		t.Fatalf("roundtrip mismatch: got=%#v want=%#v", got, sess)
	}

	payload, _, _ := strings.Cut(token, ".")
	for _, bad := range []string{"", "nodot", payload + ".AAAA", token + ".x"} {
		if _, ok := g.Validate(bad); ok {
			t.Fatalf("accepted %q", bad)
		}
	}

	other := New(Config{Secret: []byte("another-secret"), AdminUser: "admin", AdminPassword: "ok"})
	if _, ok := other.Validate(token); ok {
		t.Fatalf("token accepted under a different secret")
	}

	g.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, ok := g.Validate(token); ok {
		t.Fatalf("expired token accepted")
	}
}

func TestCheckCredentials(t *testing.T) {
	t.Parallel()

	g := newTestGate("/")
	if !g.CheckCredentials("admin", "ok") || !g.CheckCredentials(" admin ", "ok") {
		t.Fatalf("valid credentials rejected")
	}
	if g.CheckCredentials("admin", "ok ") || g.CheckCredentials("Admin", "ok") {
		t.Fatalf("invalid credentials accepted")
	}
	empty := New(Config{Secret: []byte("k"), AdminUser: "admin"})
	if empty.CheckCredentials("admin", "") {
		t.Fatalf("empty password must never match")
	}
}

func TestHandleMe(t *testing.T) {
	t.Parallel()

	g := newTestGate("/")
	token, sess, err := g.Issue("admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "http://example/api/me", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: token})
	rr := httptest.NewRecorder()
	g.HandleMe(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body["user"] != "admin" || body["csrf"] != sess.CSRF {
		t.Fatalf("body=%v", body)
	}
	if g.CSRFToken(req) != sess.CSRF {
		t.Fatalf("csrf token mismatch")
	}

	rr = httptest.NewRecorder()
	g.HandleMe(rr, httptest.NewRequest(http.MethodGet, "http://example/api/me", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestSessionContext(t *testing.T) {
	t.Parallel()

	if _, ok := SessionFromContext(context.Background()); ok {
		t.Fatalf("unexpected session")
	}
	ctx := WithSession(context.Background(), Session{User: "admin"})
	if s, ok := SessionFromContext(ctx); !ok || s.User != "admin" {
		t.Fatalf("session=%+v ok=%v", s, ok)
	}
}
