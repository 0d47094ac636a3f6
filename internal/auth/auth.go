package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	CookieName = "portdeck_session"

	DefaultTTL = time.Hour
)

type Config struct {
	Secret        []byte
	AdminUser     string
	AdminPassword string
	TTL           time.Duration
	CookieSecure  bool
	BasePath      string
	FailureDelay  time.Duration
}

// Gate issues and checks signed session tokens for the single operator account.
type Gate struct {
	cfg      Config
	basePath string
	now      func() time.Time
	log      *slog.Logger
}

// Session is the signed payload carried in the cookie.
type Session struct {
	ID      string `json:"id"`
	User    string `json:"u"`
	Created int64  `json:"iat"`
	Exp     int64  `json:"e"`
	CSRF    string `json:"c"`
}

type sessionKey struct{}

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

func New(cfg Config) *Gate {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.FailureDelay < 0 {
		cfg.FailureDelay = 0
	}
	return &Gate{
		cfg:      cfg,
		basePath: normalizeBasePath(cfg.BasePath),
		now:      time.Now,
		log:      slog.Default().With("component", "auth"),
	}
}

// Validate returns the session for a well-signed, unexpired token.
func (g *Gate) Validate(token string) (Session, bool) {
	sess, err := g.unseal(token)
	if err != nil {
		return Session{}, false
	}
	if sess.Exp <= g.now().Unix() || sess.User == "" {
		return Session{}, false
	}
	return sess, true
}

// Issue creates a new session for user and returns its token.
func (g *Gate) Issue(user string) (string, Session, error) {
	csrf, err := randomHex(16)
	if err != nil {
		return "", Session{}, err
	}
	now := g.now()
	sess := Session{
		ID:      uuid.NewString(),
		User:    user,
		Created: now.Unix(),
		Exp:     now.Add(g.cfg.TTL).Unix(),
		CSRF:    csrf,
	}
	token, err := g.seal(sess)
	if err != nil {
		return "", Session{}, err
	}
	return token, sess, nil
}

func (g *Gate) CheckCredentials(user, pass string) bool {
	if g.cfg.AdminUser == "" || g.cfg.AdminPassword == "" {
		return false
	}
	u := sha256.Sum256([]byte(strings.TrimSpace(user)))
	wantU := sha256.Sum256([]byte(g.cfg.AdminUser))
	p := sha256.Sum256([]byte(pass))
	wantP := sha256.Sum256([]byte(g.cfg.AdminPassword))
	okU := subtle.ConstantTimeCompare(u[:], wantU[:])
	okP := subtle.ConstantTimeCompare(p[:], wantP[:])
	return okU&okP == 1
}

func (g *Gate) SessionFromRequest(r *http.Request) (Session, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return Session{}, false
	}
	return g.Validate(c.Value)
}

func (g *Gate) CSRFToken(r *http.Request) string {
	if s, ok := SessionFromContext(r.Context()); ok {
		return s.CSRF
	}
	s, _ := g.SessionFromRequest(r)
	return s.CSRF
}

func (g *Gate) HandleMe(w http.ResponseWriter, r *http.Request) {
	sess, ok := g.SessionFromRequest(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"user": sess.User,
		"csrf": sess.CSRF,
		"exp":  sess.Exp,
	})
}

// HandleLogin serves the HTML login form and accepts its POST.
func (g *Gate) HandleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.writeLoginPage(w, http.StatusOK, loginPageData{})
		return
	case http.MethodPost:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		g.writeLoginPage(w, http.StatusBadRequest, loginPageData{Error: "bad form"})
		return
	}
	user := r.Form.Get("username")
	if !g.Authenticate(r.Context(), user, r.Form.Get("password"), r.RemoteAddr) {
		g.writeLoginPage(w, http.StatusUnauthorized, loginPageData{Error: "Invalid credentials", User: user})
		return
	}
	if !g.startSession(w, strings.TrimSpace(user)) {
		return
	}
	http.Redirect(w, r, g.path("/"), http.StatusFound)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Redirect string `json:"redirect,omitempty"`
}

// HandleAPILogin is the JSON variant of HandleLogin.
func (g *Gate) HandleAPILogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<14)).Decode(&req); err != nil {
		writeLoginJSON(w, http.StatusBadRequest, loginResponse{Message: "bad json"})
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeLoginJSON(w, http.StatusBadRequest, loginResponse{Message: "Username and password are required"})
		return
	}
	if !g.Authenticate(r.Context(), req.Username, req.Password, r.RemoteAddr) {
		writeLoginJSON(w, http.StatusUnauthorized, loginResponse{Message: "Invalid credentials"})
		return
	}
	if !g.startSession(w, strings.TrimSpace(req.Username)) {
		return
	}
	writeLoginJSON(w, http.StatusOK, loginResponse{Success: true, Message: "Login successful", Redirect: g.path("/")})
}

func (g *Gate) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     g.basePath,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   g.cfg.CookieSecure,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeLoginJSON(w, http.StatusOK, loginResponse{Success: true, Message: "Logged out", Redirect: g.path("/login")})
		return
	}
	http.Redirect(w, r, g.path("/login"), http.StatusFound)
}

func (g *Gate) startSession(w http.ResponseWriter, user string) bool {
	token, sess, err := g.Issue(user)
	if err != nil {
		g.log.Error("issue session", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return false
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     g.basePath,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   g.cfg.CookieSecure,
		Expires:  time.Unix(sess.Exp, 0),
	})
	g.log.Info("login", "user", user, "session", sess.ID)
	return true
}

// Authenticate is CheckCredentials for login endpoints: a mismatch is logged
// and held for the failure delay, or until ctx ends.
func (g *Gate) Authenticate(ctx context.Context, user, pass, remote string) bool {
	if g.CheckCredentials(user, pass) {
		return true
	}
	g.log.Warn("login failed", "user", user, "remote", remote)
	if g.cfg.FailureDelay <= 0 {
		return false
	}
	t := time.NewTimer(g.cfg.FailureDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	return false
}

func writeLoginJSON(w http.ResponseWriter, status int, v loginResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type loginPageData struct {
	Error string
	User  string
}

var loginTpl = template.Must(template.New("login").Parse(loginHTML))

func (g *Gate) writeLoginPage(w http.ResponseWriter, status int, data loginPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	var buf bytes.Buffer
	_ = loginTpl.Execute(&buf, data)
	_, _ = w.Write(buf.Bytes())
}

func (g *Gate) seal(sess Session) (string, error) {
	b, err := json.Marshal(sess)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(b)
	sig := g.sign([]byte(payload))
	return payload + "." + sig, nil
}

func (g *Gate) unseal(value string) (Session, error) {
	payload, sig, ok := strings.Cut(value, ".")
	if !ok || strings.Contains(sig, ".") {
		return Session{}, errors.New("invalid session")
	}
	if !hmac.Equal([]byte(sig), []byte(g.sign([]byte(payload)))) {
		return Session{}, errors.New("invalid signature")
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Session{}, err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (g *Gate) sign(data []byte) string {
	m := hmac.New(sha256.New, g.cfg.Secret)
	_, _ = m.Write(data)
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}

func randomHex(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (g *Gate) path(p string) string {
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if g.basePath == "/" {
		return p
	}
	if p == "/" {
		return g.basePath + "/"
	}
	return g.basePath + p
}

func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	return p
}

const loginHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width,initial-scale=1"/>
  <title>Portdeck · Sign in</title>
  <style>
    *{box-sizing:border-box;}
    body{font-family:system-ui,-apple-system,Segoe UI,Roboto,Ubuntu; background:#0b1220; color:#e7eefc; display:flex; min-height:100vh; align-items:center; justify-content:center;}
    .card{background:#101a30; border:1px solid #223155; border-radius:14px; padding:18px; width:min(420px,92vw);}
    h1{font-size:18px; margin:0 0 12px;}
    label{display:block; font-size:12px; color:#b7c3dc; margin:10px 0 6px;}
    input{display:block; width:100%; margin:0; padding:10px 12px; height:42px; border-radius:10px; border:1px solid #2a3b63; background:#0b1220; color:#e7eefc; font:inherit; font-size:14px;}
    button{margin-top:14px; width:100%; padding:10px 12px; border:0; border-radius:10px; background:#4f7cff; color:white; font-weight:600; cursor:pointer;}
    .err{margin:10px 0 0; padding:10px 12px; border-radius:10px; border:1px solid #5a2030; background:#2a1120; color:#ffb6c1; font-size:13px;}
  </style>
</head>
<body>
  <form class="card" method="post" action="">
    <h1>Portdeck</h1>
    {{if .Error}}<div class="err">{{.Error}}</div>{{end}}
    <label for="username">Username</label>
    <input id="username" name="username" autocomplete="username" value="{{.User}}" />
    <label for="password">Password</label>
    <input id="password" name="password" type="password" autocomplete="current-password" />
    <button type="submit">Sign in</button>
  </form>
</body>
</html>`
