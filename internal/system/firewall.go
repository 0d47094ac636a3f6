package system

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

type FirewallConfig struct {
	IptablesPath string
	Chain        string
}

// Firewall reads and edits DROP rules in a single iptables chain.
type Firewall struct {
	run      Runner
	iptables string
	chain    string
	log      *slog.Logger
}

func NewFirewall(run Runner, cfg FirewallConfig) *Firewall {
	if strings.TrimSpace(cfg.IptablesPath) == "" {
		cfg.IptablesPath = "iptables"
	}
	if strings.TrimSpace(cfg.Chain) == "" {
		cfg.Chain = "INPUT"
	}
	return &Firewall{
		run:      run,
		iptables: cfg.IptablesPath,
		chain:    cfg.Chain,
		log:      slog.Default().With("component", "firewall"),
	}
}

// Example iptables -L INPUT -n --line-numbers output:
// num  target     prot opt source               destination
// 1    DROP       tcp  --  0.0.0.0/0            0.0.0.0/0            tcp dpt:8080
var reDport = regexp.MustCompile(`dpt:(\d+)`)

// BlockedSet returns "protocol:port" for every DROP rule with a destination
// port. A failed listing yields an empty set: nothing is confirmed blocked.
func (f *Firewall) BlockedSet(ctx context.Context) map[string]struct{} {
	if lp, ok := f.run.(interface{ CommandExists(string) bool }); ok && !lp.CommandExists(f.iptables) {
		f.log.Debug("iptables not installed, skipping rule listing", "path", f.iptables)
		return map[string]struct{}{}
	}
	out, err := f.list(ctx)
	if err != nil {
		f.log.Warn("list firewall rules", "err", err)
		return map[string]struct{}{}
	}
	return ParseBlockedSet(out)
}

func ParseBlockedSet(listing string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, ln := range strings.Split(listing, "\n") {
		rule, ok := parseRuleLine(ln)
		if !ok || rule.target != "DROP" {
			continue
		}
		set[portKey(Protocol(rule.proto), rule.port)] = struct{}{}
	}
	return set
}

func (f *Firewall) Block(ctx context.Context, port int, proto Protocol) error {
	_, err := f.run.ExecuteElevated(ctx, Command{
		Name: f.iptables,
		Args: []string{"-A", f.chain, "-p", string(proto.Base()), "--dport", strconv.Itoa(port), "-j", "DROP"},
	})
	return err
}

// Unblock deletes the first DROP rule for exactly this port and protocol.
// The listing and the delete are two commands; concurrent callers must
// serialize themselves.
func (f *Firewall) Unblock(ctx context.Context, port int, proto Protocol) error {
	out, err := f.list(ctx)
	if err != nil {
		return err
	}
	base := proto.Base()
	idx, ok := FindRuleIndex(out, port, base)
	if !ok {
		return fmt.Errorf("%w for %s:%d", ErrNoMatchingRule, base, port)
	}
	_, err = f.run.ExecuteElevated(ctx, Command{
		Name: f.iptables,
		Args: []string{"-D", f.chain, strconv.Itoa(idx)},
	})
	return err
}

// FindRuleIndex returns the 1-based rule number of the first numbered DROP
// rule matching proto (suffix stripped) and destination port.
func FindRuleIndex(listing string, port int, proto Protocol) (int, bool) {
	want := string(proto.Base())
	for _, ln := range strings.Split(listing, "\n") {
		rule, ok := parseRuleLine(ln)
		if !ok || rule.num <= 0 {
			continue
		}
		if rule.target == "DROP" && rule.proto == want && rule.port == port {
			return rule.num, true
		}
	}
	return 0, false
}

func (f *Firewall) list(ctx context.Context) (string, error) {
	res, err := f.run.ExecuteElevated(ctx, Command{
		Name: f.iptables,
		Args: []string{"-L", f.chain, "-n", "--line-numbers"},
	})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

type ruleLine struct {
	num    int // 0 when the listing has no rule numbers
	target string
	proto  string
	port   int
}

func parseRuleLine(ln string) (ruleLine, bool) {
	ln = strings.TrimSpace(ln)
	if !strings.Contains(ln, "dpt:") {
		return ruleLine{}, false
	}
	m := reDport.FindStringSubmatch(ln)
	if len(m) != 2 {
		return ruleLine{}, false
	}
	port, err := strconv.Atoi(m[1])
	if err != nil {
		return ruleLine{}, false
	}
	fields := strings.Fields(ln)
	var r ruleLine
	if n, err := strconv.Atoi(fields[0]); err == nil {
		r.num = n
		fields = fields[1:]
	}
	if len(fields) < 2 {
		return ruleLine{}, false
	}
	r.target = fields[0]
	r.proto = strings.ToLower(fields[1])
	r.port = port
	return r, true
}
