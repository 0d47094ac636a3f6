package app

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MrTeeett/portdeck/internal/auth"
	"github.com/MrTeeett/portdeck/internal/system"
)

const csrfHeader = "X-Portdeck-CSRF"

type Config struct {
	BasePath string
	Secret   []byte

	CookieSecure      bool
	AdminUser         string
	AdminPassword     string
	SessionTTL        time.Duration
	LoginFailureDelay time.Duration

	// Ports drives the inventory and the actions; required.
	Ports system.PortController

	// RequestTimeout bounds the login and session endpoints (default 60s).
	RequestTimeout time.Duration
}

type Server struct {
	cfg   Config
	gate  *auth.Gate
	ports system.PortController
	api   *system.PortService
}

func New(cfg Config) (*Server, error) {
	if len(cfg.Secret) < 16 {
		return nil, errors.New("secret too short")
	}
	if cfg.Ports == nil {
		return nil, errors.New("port controller is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	ports := serialize(cfg.Ports)
	return &Server{
		cfg: cfg,
		gate: auth.New(auth.Config{
			Secret:        cfg.Secret,
			AdminUser:     cfg.AdminUser,
			AdminPassword: cfg.AdminPassword,
			TTL:           cfg.SessionTTL,
			CookieSecure:  cfg.CookieSecure,
			BasePath:      cfg.BasePath,
			FailureDelay:  cfg.LoginFailureDelay,
		}),
		ports: ports,
		api:   system.NewPortService(ports),
	}, nil
}

// Gate is shared with the gRPC interceptor.
func (s *Server) Gate() *auth.Gate { return s.gate }

func (s *Server) Handler() http.Handler {
	timed := http.NewServeMux()
	timed.HandleFunc("/login", s.gate.HandleLogin)
	timed.HandleFunc("/logout", s.gate.HandleLogout)
	timed.HandleFunc("/api/auth/login", s.gate.HandleAPILogin)
	timed.HandleFunc("/api/auth/logout", s.gate.HandleLogout)
	timed.Handle("/api/me", s.requireAPIAuth(http.HandlerFunc(s.gate.HandleMe)))
	bounded := http.TimeoutHandler(timed, s.cfg.RequestTimeout, "request timeout")

	mux := http.NewServeMux()
	for _, p := range []string{"/login", "/logout", "/api/auth/login", "/api/auth/logout", "/api/me"} {
		mux.Handle(p, bounded)
	}

	// Inventory and actions run external commands, each bounded by its own
	// command timeout. A request timeout here would report failure for an
	// action that still completes.
	mux.HandleFunc("/", s.requireHTMLAuth(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		s.handleDashboard(w, r)
	}))
	mux.Handle("/api/ports", s.requireAPIAuth(http.HandlerFunc(s.api.HandleList)))
	mux.Handle("/api/ports/kill", s.requireAPIAuth(s.requireCSRF(http.HandlerFunc(s.api.HandleKill))))
	mux.Handle("/api/ports/restart", s.requireAPIAuth(s.requireCSRF(http.HandlerFunc(s.api.HandleRestart))))
	mux.Handle("/api/ports/block", s.requireAPIAuth(s.requireCSRF(http.HandlerFunc(s.api.HandleBlock))))
	mux.Handle("/api/ports/unblock", s.requireAPIAuth(s.requireCSRF(http.HandlerFunc(s.api.HandleUnblock))))

	inner := http.Handler(mux)

	basePath := strings.TrimSpace(s.cfg.BasePath)
	if basePath == "" || basePath == "/" {
		return inner
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimRight(basePath, "/")

	// Serve everything under basePath; return 404 for root and other paths.
	strip := http.StripPrefix(basePath, inner)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != basePath && !strings.HasPrefix(r.URL.Path, basePath+"/") {
			http.NotFound(w, r)
			return
		}
		if r.URL.Path == basePath {
			http.Redirect(w, r, basePath+"/", http.StatusFound)
			return
		}
		strip.ServeHTTP(w, r)
	})
}

func (s *Server) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get(csrfHeader)
		if token == "" || token != s.gate.CSRFToken(r) {
			http.Error(w, "csrf token required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAPIAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.gate.SessionFromRequest(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		r = r.WithContext(auth.WithSession(r.Context(), sess))
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireHTMLAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.gate.SessionFromRequest(r)
		if !ok {
			http.Redirect(w, r, s.path("/login"), http.StatusFound)
			return
		}
		next(w, r.WithContext(auth.WithSession(r.Context(), sess)))
	}
}

func (s *Server) path(p string) string {
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	basePath := strings.TrimSpace(s.cfg.BasePath)
	if basePath == "" || basePath == "/" {
		return p
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimRight(basePath, "/")
	if p == "/" {
		return basePath + "/"
	}
	return basePath + p
}
