package system

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// PortController is what the HTTP, gRPC and CLI layers drive.
type PortController interface {
	ListInventory(ctx context.Context) ([]PortRecord, error)
	KillProcess(ctx context.Context, pid int) error
	RestartService(ctx context.Context, serviceName string) error
	BlockPort(ctx context.Context, port int, proto Protocol) error
	UnblockPort(ctx context.Context, port int, proto Protocol) error
}

type EngineConfig struct {
	Runner Runner

	ProcRoot      string
	SSPath        string
	KillPath      string
	SystemctlPath string
	IptablesPath  string
	Chain         string
}

// Engine builds the port inventory and runs the mutating actions. It keeps
// no state between calls.
type Engine struct {
	run       Runner
	ident     *IdentityResolver
	fw        *Firewall
	ss        string
	kill      string
	systemctl string
	log       *slog.Logger
}

var _ PortController = (*Engine)(nil)

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Runner == nil {
		cfg.Runner = NewExecutor(ExecConfig{})
	}
	return &Engine{
		run:       cfg.Runner,
		ident:     NewIdentityResolver(cfg.ProcRoot),
		fw:        NewFirewall(cfg.Runner, FirewallConfig{IptablesPath: cfg.IptablesPath, Chain: cfg.Chain}),
		ss:        orDefault(cfg.SSPath, "ss"),
		kill:      orDefault(cfg.KillPath, "kill"),
		systemctl: orDefault(cfg.SystemctlPath, "systemctl"),
		log:       slog.Default().With("component", "ports"),
	}
}

// ListInventory re-derives the full inventory from the live system.
func (e *Engine) ListInventory(ctx context.Context) ([]PortRecord, error) {
	// -t tcp, -u udp, -l listening, -p process, -n numeric
	res, err := e.run.ExecuteElevated(ctx, Command{Name: e.ss, Args: []string{"-tulpn"}})
	if err != nil {
		return nil, fmt.Errorf("list listening ports: %w", err)
	}
	records := ParseSocketListing(res.Stdout)

	for i := range records {
		id, ok := e.ident.Resolve(ctx, records[i].Process.PID)
		if !ok {
			continue
		}
		records[i].Process.IsSystemdService = true
		records[i].Process.ServiceName = id.ServiceName
		records[i].Process.Command = id.Command
	}

	blocked := e.fw.BlockedSet(ctx)
	for i := range records {
		_, records[i].IsBlocked = blocked[records[i].Key()]
	}
	e.log.Debug("inventory", "ports", len(records), "blocked", len(blocked))
	return records, nil
}

func (e *Engine) KillProcess(ctx context.Context, pid int) error {
	_, err := e.run.ExecuteElevated(ctx, Command{Name: e.kill, Args: []string{"-9", strconv.Itoa(pid)}})
	return e.done("kill process", "pid "+strconv.Itoa(pid), err)
}

// RestartService expects a name already checked against the safe-identifier pattern.
func (e *Engine) RestartService(ctx context.Context, serviceName string) error {
	_, err := e.run.ExecuteElevated(ctx, Command{Name: e.systemctl, Args: []string{"restart", serviceName}})
	return e.done("restart service", serviceName, err)
}

func (e *Engine) BlockPort(ctx context.Context, port int, proto Protocol) error {
	err := e.fw.Block(ctx, port, proto)
	return e.done("block port", portTarget(port, proto), err)
}

func (e *Engine) UnblockPort(ctx context.Context, port int, proto Protocol) error {
	err := e.fw.Unblock(ctx, port, proto)
	return e.done("unblock port", portTarget(port, proto), err)
}

func (e *Engine) done(op, target string, err error) error {
	if err != nil {
		e.log.Warn(op+" failed", "target", target, "err", err)
		return opError(op, target, err)
	}
	e.log.Info(op, "target", target)
	return nil
}

func portTarget(port int, proto Protocol) string {
	return strconv.Itoa(port) + "/" + string(proto)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
