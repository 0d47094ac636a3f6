package system

import (
	"cmp"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

type Protocol string

const (
	ProtoTCP  Protocol = "tcp"
	ProtoTCP6 Protocol = "tcp6"
	ProtoUDP  Protocol = "udp"
	ProtoUDP6 Protocol = "udp6"
)

func (p Protocol) Valid() bool {
	switch p {
	case ProtoTCP, ProtoTCP6, ProtoUDP, ProtoUDP6:
		return true
	}
	return false
}

// Base drops the IPv6 suffix: iptables only knows tcp and udp.
func (p Protocol) Base() Protocol {
	return Protocol(strings.TrimSuffix(string(p), "6"))
}

type ProcessIdentity struct {
	PID              int    `json:"pid"`
	Name             string `json:"name"`
	Command          string `json:"command"`
	IsSystemdService bool   `json:"isSystemdService"`
	ServiceName      string `json:"serviceName,omitempty"`
}

type PortRecord struct {
	Port          int             `json:"port"`
	Protocol      Protocol        `json:"protocol"`
	State         string          `json:"state"`
	LocalAddress  string          `json:"localAddress"`
	RemoteAddress string          `json:"remoteAddress,omitempty"`
	Process       ProcessIdentity `json:"process"`
	Connections   int             `json:"connections"`
	IsBlocked     bool            `json:"isBlocked"`
}

// Key is "protocol:port", used for dedup and firewall lookups.
func (r PortRecord) Key() string {
	return portKey(r.Protocol, r.Port)
}

func portKey(p Protocol, port int) string {
	return string(p) + ":" + strconv.Itoa(port)
}

// SortPorts orders records by port, then protocol.
func SortPorts(ports []PortRecord) {
	slices.SortFunc(ports, func(a, b PortRecord) int {
		if c := cmp.Compare(a.Port, b.Port); c != 0 {
			return c
		}
		return cmp.Compare(a.Protocol, b.Protocol)
	})
}

const (
	unknownProcess = "Unknown"
	stateUnconn    = "UNCONN"
	stateListen    = "LISTEN"
)

// Example ss output:
// tcp LISTEN 0 128 0.0.0.0:22 0.0.0.0:* users:(("sshd",pid=123,fd=3))
var reSSUsers = regexp.MustCompile(`users:\(\("([^"]+)",pid=(\d+)`)

// ParseSocketListing turns `ss -tulpn` output into one record per protocol:port.
// Lines that don't parse are skipped; the first line seen for a key wins and
// later ones only bump Connections.
func ParseSocketListing(raw string) []PortRecord {
	var out []PortRecord
	index := map[string]int{}

	for _, ln := range strings.Split(raw, "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		if strings.Contains(ln, "State") && strings.Contains(ln, "Recv-Q") {
			continue
		}
		rec, ok := parseSocketLine(ln)
		if !ok {
			slog.Debug("skip socket line", "line", ln)
			continue
		}
		key := rec.Key()
		if i, seen := index[key]; seen {
			out[i].Connections++
			continue
		}
		index[key] = len(out)
		out = append(out, rec)
	}
	return out
}

func parseSocketLine(ln string) (PortRecord, bool) {
	fields := strings.Fields(ln)
	if len(fields) < 6 {
		return PortRecord{}, false
	}
	state := fields[1]
	local := fields[4]
	peer := fields[5]

	address, port, ok := splitHostPort(local)
	if !ok {
		return PortRecord{}, false
	}

	proto := ProtoTCP
	if state == stateUnconn {
		proto = ProtoUDP
	}
	if address == "::" || strings.Contains(address, ":") {
		proto += "6"
	}

	name, pid := unknownProcess, 0
	if m := reSSUsers.FindStringSubmatch(ln); len(m) == 3 {
		name = m[1]
		pid, _ = strconv.Atoi(m[2])
	}

	if state == stateUnconn {
		state = stateListen
	}
	return PortRecord{
		Port:          port,
		Protocol:      proto,
		State:         state,
		LocalAddress:  address,
		RemoteAddress: peer,
		Process: ProcessIdentity{
			PID:     pid,
			Name:    name,
			Command: name,
		},
		Connections: 1,
	}, true
}

func splitHostPort(local string) (string, int, bool) {
	var address, portStr string
	if rest, ok := strings.CutPrefix(local, ":::"); ok {
		address, portStr = "::", rest
	} else {
		i := strings.LastIndex(local, ":")
		if i < 0 {
			return "", 0, false
		}
		address, portStr = local[:i], local[i+1:]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, false
	}
	return address, port, true
}
