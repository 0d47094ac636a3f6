package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/MrTeeett/portdeck/internal/system"
)

// Env carries what every port subcommand needs. Controller is called lazily
// so --config is parsed before the engine is built.
type Env struct {
	Out        io.Writer
	Err        io.Writer
	Controller func() (system.PortController, error)
	Timeout    time.Duration
}

func (e *Env) out() io.Writer {
	if e.Out == nil {
		return os.Stdout
	}
	return e.Out
}

func (e *Env) errw() io.Writer {
	if e.Err == nil {
		return os.Stderr
	}
	return e.Err
}

func (e *Env) context(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 2 * system.DefaultCommandTimeout
	}
	return context.WithTimeout(parent, timeout)
}

// Commands returns all port subcommands in display order.
func Commands(env *Env) []*cobra.Command {
	return []*cobra.Command{
		NewPortsCmd(env),
		NewKillCmd(env),
		NewRestartCmd(env),
		NewBlockCmd(env),
		NewUnblockCmd(env),
	}
}

func NewPortsCmd(env *Env) *cobra.Command {
	var (
		asJSON      bool
		onlyBlocked bool
		onlySvc     bool
		proto       string
	)
	cmd := &cobra.Command{
		Use:     "ports",
		Aliases: []string{"ls", "list"},
		Short:   "List listening ports",
		Long:    "List every listening TCP/UDP port with its owning process, systemd unit and firewall state.",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if proto != "" && !system.Protocol(proto).Valid() {
				return fmt.Errorf("unknown protocol %q (tcp, tcp6, udp, udp6)", proto)
			}
			ctrl, err := env.Controller()
			if err != nil {
				return err
			}
			ctx, cancel := env.context(cmd.Context())
			defer cancel()

			stop := startSpinner(env.errw(), "Reading sockets... ")
			ports, err := ctrl.ListInventory(ctx)
			stop()
			if err != nil {
				return err
			}

			ports = lo.Filter(ports, func(p system.PortRecord, _ int) bool {
				if onlyBlocked && !p.IsBlocked {
					return false
				}
				if onlySvc && !p.Process.IsSystemdService {
					return false
				}
				return proto == "" || p.Protocol == system.Protocol(proto)
			})
			system.SortPorts(ports)

			if asJSON {
				enc := json.NewEncoder(env.out())
				enc.SetIndent("", "  ")
				return enc.Encode(system.PortListResponse{
					Ports:      lo.Ternary(ports == nil, []system.PortRecord{}, ports),
					Timestamp:  time.Now().UnixMilli(),
					TotalPorts: len(ports),
				})
			}
			_, err = fmt.Fprintln(env.out(), RenderPorts(ports))
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.Flags().BoolVar(&onlyBlocked, "blocked", false, "only ports with a DROP rule")
	cmd.Flags().BoolVar(&onlySvc, "services", false, "only ports owned by systemd services")
	cmd.Flags().StringVarP(&proto, "proto", "p", "", "only this protocol (tcp, tcp6, udp, udp6)")
	return cmd
}

// RenderPorts draws the inventory table followed by a one-line summary.
func RenderPorts(ports []system.PortRecord) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Port", "Proto", "Address", "PID", "Process", "Service", "Conns", "Status"})
	for _, p := range ports {
		pid := "-"
		if p.Process.PID > 0 {
			pid = strconv.Itoa(p.Process.PID)
		}
		status := color.GreenString("open")
		if p.IsBlocked {
			status = color.RedString("blocked")
		}
		tw.AppendRow(table.Row{
			p.Port,
			p.Protocol,
			p.LocalAddress,
			pid,
			p.Process.Name,
			lo.Ternary(p.Process.IsSystemdService, p.Process.ServiceName, "-"),
			p.Connections,
			status,
		})
	}
	blocked := lo.CountBy(ports, func(p system.PortRecord) bool { return p.IsBlocked })
	byProto := lo.CountValuesBy(ports, func(p system.PortRecord) system.Protocol { return p.Protocol })
	var parts []string
	for _, pr := range []system.Protocol{system.ProtoTCP, system.ProtoTCP6, system.ProtoUDP, system.ProtoUDP6} {
		if n := byProto[pr]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", pr, n))
		}
	}
	summary := fmt.Sprintf("%d ports, %d blocked", len(ports), blocked)
	if len(parts) > 0 {
		summary += " (" + strings.Join(parts, ", ") + ")"
	}
	return tw.Render() + "\n" + summary
}

func NewKillCmd(env *Env) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:     "kill PID",
		Short:   "Force-kill the process owning a port",
		Example: "portdeck kill 4321 --port 8080",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return errors.New("Valid PID is required")
			}
			req := system.KillRequest{PID: pid, Port: port}
			if err := system.ValidateRequest(&req); err != nil {
				return err
			}
			return env.act(cmd, func(ctx context.Context, c system.PortController) error {
				return c.KillProcess(ctx, req.PID)
			}, fmt.Sprintf("Process %d has been terminated", req.PID))
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "port the process was listening on (informational)")
	return cmd
}

func NewRestartCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:     "restart SERVICE",
		Short:   "Restart a systemd service",
		Example: "portdeck restart nginx",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := system.RestartRequest{ServiceName: args[0]}
			if err := system.ValidateRequest(&req); err != nil {
				return err
			}
			return env.act(cmd, func(ctx context.Context, c system.PortController) error {
				return c.RestartService(ctx, req.ServiceName)
			}, fmt.Sprintf("Service %s has been restarted", req.ServiceName))
		},
	}
}

func NewBlockCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:     "block PORT [PROTO]",
		Short:   "Add a firewall DROP rule for a port",
		Example: "portdeck block 8080 tcp",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := portRequest(args)
			if err != nil {
				return err
			}
			proto := system.Protocol(req.Protocol)
			return env.act(cmd, func(ctx context.Context, c system.PortController) error {
				return c.BlockPort(ctx, req.Port, proto)
			}, fmt.Sprintf("Port %d (%s) has been blocked", req.Port, proto))
		},
	}
}

func NewUnblockCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:     "unblock PORT [PROTO]",
		Short:   "Remove the firewall DROP rule for a port",
		Example: "portdeck unblock 8080 tcp",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := portRequest(args)
			if err != nil {
				return err
			}
			proto := system.Protocol(req.Protocol)
			return env.act(cmd, func(ctx context.Context, c system.PortController) error {
				return c.UnblockPort(ctx, req.Port, proto)
			}, fmt.Sprintf("Port %d (%s) has been unblocked", req.Port, proto))
		},
	}
}

// portRequest parses PORT [PROTO]; PROTO defaults to tcp.
func portRequest(args []string) (system.PortRequest, error) {
	port, err := strconv.Atoi(args[0])
	if err != nil {
		return system.PortRequest{}, errors.New("Valid port number is required")
	}
	req := system.PortRequest{Port: port, Protocol: string(system.ProtoTCP)}
	if len(args) > 1 {
		req.Protocol = strings.ToLower(args[1])
	}
	if err := system.ValidateRequest(&req); err != nil {
		return system.PortRequest{}, err
	}
	return req, nil
}

func (e *Env) act(cmd *cobra.Command, fn func(context.Context, system.PortController) error, success string) error {
	ctrl, err := e.Controller()
	if err != nil {
		return err
	}
	ctx, cancel := e.context(cmd.Context())
	defer cancel()
	if err := fn(ctx, ctrl); err != nil {
		return err
	}
	_, err = color.New(color.FgGreen).Fprintln(e.out(), success)
	return err
}

// PrintError writes err in red; used by main for the final exit path.
func PrintError(w io.Writer, err error) {
	_, _ = color.New(color.FgRed).Fprintln(w, "error: "+err.Error())
}

// startSpinner is a no-op unless w is a terminal.
func startSpinner(w io.Writer, prefix string) func() {
	f, ok := w.(*os.File)
	if !ok || !isatty.IsTerminal(f.Fd()) {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(f))
	s.Prefix = prefix
	s.Start()
	return s.Stop
}
