package main

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/MrTeeett/portdeck/internal/app"
	"github.com/MrTeeett/portdeck/internal/buildinfo"
	"github.com/MrTeeett/portdeck/internal/cli"
	"github.com/MrTeeett/portdeck/internal/config"
	"github.com/MrTeeett/portdeck/internal/logging"
	"github.com/MrTeeett/portdeck/internal/system"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o := &options{}
	defer o.close()

	root := newRootCmd(o, stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		cli.PrintError(stderr, err)
		return 1
	}
	return 0
}

type options struct {
	configPath string
	envFile    string

	closeLog func() error
}

func (o *options) close() {
	if o.closeLog != nil {
		_ = o.closeLog()
		o.closeLog = nil
	}
}

func newRootCmd(o *options, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "portdeck",
		Short:         "Inspect and manage listening ports",
		Long:          "portdeck lists listening TCP/UDP ports and lets an administrator kill owners, restart systemd services and block ports with iptables.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&o.configPath, "config", envDefault("PORTDECK_CONFIG", "portdeck.json"), "config path")
	root.PersistentFlags().StringVar(&o.envFile, "env-file", envDefault("PORTDECK_ENV_FILE", ".env"), "dotenv file loaded before the config")

	env := &cli.Env{Out: stdout, Err: stderr}
	env.Controller = func() (system.PortController, error) {
		cfg, err := o.load()
		if err != nil {
			return nil, err
		}
		// CLI output owns stdout; logs go to stderr.
		if err := o.initLogging(cfg, stderr); err != nil {
			return nil, err
		}
		env.Timeout = 2 * cfg.CommandTimeout()
		return newEngine(cfg), nil
	}

	root.AddCommand(newServeCmd(o))
	root.AddCommand(cli.Commands(env)...)
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
			return err
		},
	})
	return root
}

func newServeCmd(o *options) *cobra.Command {
	var (
		listen     string
		selfSigned bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard, JSON API and gRPC service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if err := o.initLogging(cfg, nil); err != nil {
				return err
			}

			certFile := resolveRelativeToConfigDir(o.configPath, cfg.TLSCertFile)
			keyFile := resolveRelativeToConfigDir(o.configPath, cfg.TLSKeyFile)
			if selfSigned && !cfg.TLSEnabled() {
				if certFile, keyFile, err = useSelfSignedTLS(o.configPath, &cfg); err != nil {
					return fmt.Errorf("tls: %w", err)
				}
			}

			for _, w := range cfg.Warnings() {
				slog.Warn(w)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, certFile, keyFile)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&selfSigned, "tls-self-signed", false, "generate and use a self-signed certificate when none is configured")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, certFile, keyFile string) error {
	ttl, err := cfg.SessionTTLDuration()
	if err != nil {
		return err
	}
	tlsEnabled := certFile != "" && keyFile != ""
	secret := sha256.Sum256([]byte("portdeck:session:v1:" + cfg.SessionSecret))

	srv, err := app.New(app.Config{
		BasePath:          cfg.BasePath,
		Secret:            secret[:],
		CookieSecure:      cfg.CookieSecure || tlsEnabled,
		AdminUser:         cfg.AdminUser,
		AdminPassword:     cfg.AdminPassword,
		SessionTTL:        ttl,
		LoginFailureDelay: cfg.LoginFailureDelay(),
		Ports:             newEngine(cfg),
	})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	handler := srv.Handler()
	var gs *grpc.Server
	if cfg.EnableGRPC {
		gs = srv.GRPCServer()
		handler = app.GRPCMux(handler, gs)
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	scheme := "http"
	switch {
	case tlsEnabled:
		scheme = "https"
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	case gs != nil:
		// gRPC needs HTTP/2; without TLS that means h2c.
		var p http.Protocols
		p.SetHTTP1(true)
		p.SetUnencryptedHTTP2(true)
		httpServer.Protocols = &p
	}

	basePath := strings.TrimRight(cfg.BasePath, "/")
	slog.Info("listening", "url", scheme+"://"+cfg.Listen+basePath+"/", "grpc", gs != nil)

	errCh := make(chan error, 1)
	go func() {
		if tlsEnabled {
			errCh <- httpServer.ListenAndServeTLS(certFile, keyFile)
			return
		}
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = httpServer.Shutdown(shutdownCtx)
	if gs != nil {
		gs.Stop()
	}
	return err
}

// load applies the env file, the JSON config and PORTDECK_* overrides, in that order.
func (o *options) load() (config.Config, error) {
	if err := config.LoadEnvFile(o.envFile); err != nil {
		return config.Config{}, fmt.Errorf("env file %s: %w", o.envFile, err)
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config %s: %w", o.configPath, err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("config %s: %w", o.configPath, err)
	}
	return cfg, nil
}

func (o *options) initLogging(cfg config.Config, console io.Writer) error {
	o.close()
	closeLog, err := logging.Init(logging.Config{
		Level:   cfg.LogLevel,
		File:    resolveRelativeToConfigDir(o.configPath, cfg.LogFile),
		Stdout:  cfg.LogStdout,
		Format:  cfg.LogFormat,
		Console: console,
	})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	o.closeLog = closeLog
	return nil
}

func newEngine(cfg config.Config) *system.Engine {
	return system.NewEngine(system.EngineConfig{
		Runner: system.NewExecutor(system.ExecConfig{
			Timeout:   cfg.CommandTimeout(),
			MaxOutput: cfg.MaxOutputBytes,
		}),
		ProcRoot:      cfg.ProcRoot,
		SSPath:        cfg.SSPath,
		KillPath:      cfg.KillPath,
		SystemctlPath: cfg.SystemctlPath,
		IptablesPath:  cfg.IptablesPath,
		Chain:         cfg.FirewallChain,
	})
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func resolveRelativeToConfigDir(configPath, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(filepath.Dir(filepath.Clean(configPath)), p)
}
