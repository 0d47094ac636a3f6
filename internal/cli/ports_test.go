package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"

	"github.com/MrTeeett/portdeck/internal/system"
)

type fakeController struct {
	mu    sync.Mutex
	ports []system.PortRecord
	err   error
	calls []string
}

func (f *fakeController) record(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
	return f.err
}

func (f *fakeController) ListInventory(context.Context) ([]system.PortRecord, error) {
	if err := f.record("list"); err != nil {
		return nil, err
	}
	return append([]system.PortRecord(nil), f.ports...), nil
}

func (f *fakeController) KillProcess(_ context.Context, pid int) error {
	return f.record(fmt.Sprintf("kill %d", pid))
}

func (f *fakeController) RestartService(_ context.Context, name string) error {
	return f.record("restart " + name)
}

func (f *fakeController) BlockPort(_ context.Context, port int, proto system.Protocol) error {
	return f.record(fmt.Sprintf("block %d/%s", port, proto))
}

func (f *fakeController) UnblockPort(_ context.Context, port int, proto system.Protocol) error {
	return f.record(fmt.Sprintf("unblock %d/%s", port, proto))
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testPorts() []system.PortRecord {
	return []system.PortRecord{
		{Port: 8080, Protocol: system.ProtoTCP, State: "LISTEN", LocalAddress: "0.0.0.0", Connections: 1, IsBlocked: true,
			Process: system.ProcessIdentity{PID: 4321, Name: "node", Command: "node server.js"}},
		{Port: 53, Protocol: system.ProtoUDP, State: "LISTEN", LocalAddress: "127.0.0.53", Connections: 1,
			Process: system.ProcessIdentity{PID: 88, Name: "systemd-resolve", Command: "systemd-resolve", IsSystemdService: true, ServiceName: "systemd-resolved"}},
		{Port: 22, Protocol: system.ProtoTCP, State: "LISTEN", LocalAddress: "0.0.0.0", Connections: 2,
			Process: system.ProcessIdentity{PID: 1234, Name: "sshd", Command: "/usr/sbin/sshd -D", IsSystemdService: true, ServiceName: "ssh"}},
	}
}

// run executes one subcommand against fc and returns stdout.
func run(t *testing.T, fc *fakeController, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	env := &Env{
		Out: &out,
		Err: &errOut,
		Controller: func() (system.PortController, error) {
			return fc, nil
		},
	}
	root := &cobra.Command{Use: "portdeck", SilenceUsage: true, SilenceErrors: true}
	root.AddCommand(Commands(env)...)
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPortsTable(t *testing.T) {
	t.Parallel()

	fc := &fakeController{ports: testPorts()}
	out, err := run(t, fc, "ports")
	if err != nil {
		t.Fatalf("ports: %v", err)
	}
	for _, want := range []string{"8080", "sshd", "ssh", "systemd-resolved", "blocked", "3 ports, 1 blocked (tcp 2, udp 1)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "sshd") > strings.Index(out, "node") {
		t.Fatalf("rows not sorted by port:\n%s", out)
	}
	if got := fc.Calls(); len(got) != 1 || got[0] != "list" {
		t.Fatalf("calls=%v", got)
	}
}

func TestPortsJSONAndFilters(t *testing.T) {
	t.Parallel()

	cases := []struct {
		args  []string
		ports []int
	}{
		{[]string{"ports", "--json"}, []int{22, 53, 8080}},
		{[]string{"ls", "--json", "--blocked"}, []int{8080}},
		{[]string{"list", "--json", "--services"}, []int{22, 53}},
		{[]string{"ports", "--json", "-p", "udp"}, []int{53}},
		{[]string{"ports", "--json", "--proto", "tcp6"}, nil},
	}
	for _, c := range cases {
		out, err := run(t, &fakeController{ports: testPorts()}, c.args...)
		if err != nil {
			t.Fatalf("%v: %v", c.args, err)
		}
		var resp system.PortListResponse
		if err := json.Unmarshal([]byte(out), &resp); err != nil {
			t.Fatalf("%v: json: %v\n%s", c.args, err, out)
		}
		if resp.TotalPorts != len(c.ports) || len(resp.Ports) != len(c.ports) || resp.Timestamp == 0 {
			t.Fatalf("%v: resp=%+v", c.args, resp)
		}
		for i, p := range c.ports {
			if resp.Ports[i].Port != p {
				t.Fatalf("%v: port %d=%d want %d", c.args, i, resp.Ports[i].Port, p)
			}
		}
		if c.ports == nil && !strings.Contains(out, `"ports": []`) {
			t.Fatalf("%v: empty list should encode as []:\n%s", c.args, out)
		}
	}
}

func TestPortsRejectsUnknownProto(t *testing.T) {
	t.Parallel()

	fc := &fakeController{}
	_, err := run(t, fc, "ports", "-p", "icmp")
	if err == nil || !strings.Contains(err.Error(), `unknown protocol "icmp"`) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if len(fc.Calls()) != 0 {
		t.Fatalf("controller reached: %v", fc.Calls())
	}
}

func TestActionCommands(t *testing.T) {
	t.Parallel()

	cases := []struct {
		args []string
		call string
		msg  string
	}{
		{[]string{"kill", "4321", "--port", "8080"}, "kill 4321", "Process 4321 has been terminated"},
		{[]string{"restart", "nginx.service"}, "restart nginx.service", "Service nginx.service has been restarted"},
		{[]string{"block", "8080"}, "block 8080/tcp", "Port 8080 (tcp) has been blocked"},
		{[]string{"block", "53", "UDP6"}, "block 53/udp6", "Port 53 (udp6) has been blocked"},
		{[]string{"unblock", "8080", "tcp"}, "unblock 8080/tcp", "Port 8080 (tcp) has been unblocked"},
	}
	for _, c := range cases {
		fc := &fakeController{}
		out, err := run(t, fc, c.args...)
		if err != nil {
			t.Fatalf("%v: %v", c.args, err)
		}
		if !strings.Contains(out, c.msg) {
			t.Fatalf("%v: out=%q want %q", c.args, out, c.msg)
		}
		if got := fc.Calls(); len(got) != 1 || got[0] != c.call {
			t.Fatalf("%v: calls=%v want %q", c.args, got, c.call)
		}
	}
}

func TestActionValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		args []string
		msg  string
	}{
		{[]string{"kill", "abc"}, "Valid PID is required"},
		{[]string{"kill", "--", "-5"}, "PID must be a positive number"},
		{[]string{"kill", "10", "--port", "70000"}, "Port must be between 1 and 65535"},
		{[]string{"restart", "nginx;reboot"}, "Invalid service name format"},
		{[]string{"block", "http"}, "Valid port number is required"},
		{[]string{"block", "0"}, "Valid port number is required"},
		{[]string{"block", "65536"}, "Port must be between 1 and 65535"},
		{[]string{"unblock", "80", "icmp"}, "Valid protocol is required (tcp, tcp6, udp, udp6)"},
	}
	for _, c := range cases {
		fc := &fakeController{}
		_, err := run(t, fc, c.args...)
		if err == nil || err.Error() != c.msg {
			t.Fatalf("%v: err=%v want %q", c.args, err, c.msg)
		}
		if len(fc.Calls()) != 0 {
			t.Fatalf("%v: controller reached: %v", c.args, fc.Calls())
		}
	}
}

func TestActionErrorPropagates(t *testing.T) {
	t.Parallel()

	perm := &system.PermissionError{Command: "iptables -L INPUT -n --line-numbers"}
	out, err := run(t, &fakeController{err: perm}, "unblock", "8080")
	var pe *system.PermissionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	if strings.Contains(out, "unblocked") {
		t.Fatalf("success printed on failure: %q", out)
	}
}

func TestControllerFactoryError(t *testing.T) {
	t.Parallel()

	boom := errors.New("no config")
	env := &Env{
		Out:        &bytes.Buffer{},
		Err:        &bytes.Buffer{},
		Controller: func() (system.PortController, error) { return nil, boom },
	}
	cases := []struct {
		cmd  *cobra.Command
		args []string
	}{
		{NewPortsCmd(env), []string{}},
		{NewRestartCmd(env), []string{"nginx"}},
	}
	for _, c := range cases {
		cmd := c.cmd
		cmd.SetArgs(c.args)
		cmd.SilenceUsage = true
		cmd.SilenceErrors = true
		if err := cmd.ExecuteContext(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("%s: err=%v", cmd.Name(), err)
		}
	}
}

func TestPrintError(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	PrintError(&buf, errors.New("boom"))
	if !strings.Contains(buf.String(), "error: boom") {
		t.Fatalf("got %q", buf.String())
	}
}
