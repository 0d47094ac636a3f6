package system

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/common"
	"github.com/shirou/gopsutil/v4/process"
)

const defaultProcRoot = "/proc"

// 0::/system.slice/nginx.service
var reSystemdService = regexp.MustCompile(`/system\.slice/([^/\s]+)\.service`)

type ServiceIdentity struct {
	ServiceName string
	Command     string
}

// IdentityResolver maps a pid to the systemd unit that owns it.
type IdentityResolver struct {
	procRoot string
}

func NewIdentityResolver(procRoot string) *IdentityResolver {
	procRoot = strings.TrimSpace(procRoot)
	if procRoot == "" {
		procRoot = defaultProcRoot
	}
	return &IdentityResolver{procRoot: filepath.Clean(procRoot)}
}

// Resolve returns false for anything that isn't a system.slice service,
// including processes that are gone or unreadable.
func (r *IdentityResolver) Resolve(ctx context.Context, pid int) (ServiceIdentity, bool) {
	if pid <= 0 {
		return ServiceIdentity{}, false
	}
	b, err := os.ReadFile(filepath.Join(r.procRoot, strconv.Itoa(pid), "cgroup"))
	if err != nil {
		return ServiceIdentity{}, false
	}
	m := reSystemdService.FindStringSubmatch(string(b))
	if len(m) != 2 {
		return ServiceIdentity{}, false
	}
	id := ServiceIdentity{ServiceName: m[1], Command: m[1]}
	if cmdline := r.cmdline(ctx, pid); cmdline != "" {
		id.Command = cmdline
	}
	return id, true
}

func (r *IdentityResolver) cmdline(ctx context.Context, pid int) string {
	if r.procRoot != defaultProcRoot {
		ctx = context.WithValue(ctx, common.EnvKey, common.EnvMap{common.HostProcEnvKey: r.procRoot})
	}
	p := &process.Process{Pid: int32(pid)}
	cmd, err := p.CmdlineWithContext(ctx)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cmd)
}
