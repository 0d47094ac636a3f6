package app

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/samber/lo"

	"github.com/MrTeeett/portdeck/internal/auth"
	"github.com/MrTeeett/portdeck/internal/system"
)

type dashboardData struct {
	User      string
	CSRF      string
	APIBase   string
	Ports     []system.PortRecord
	Total     int
	Blocked   int
	Services  int
	Error     string
	Generated string
}

var dashboardTpl = template.Must(template.New("dashboard").Parse(dashboardHTML))

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	data := dashboardData{
		User:      sess.User,
		CSRF:      sess.CSRF,
		APIBase:   s.path("/api/ports"),
		Generated: time.Now().Format(time.RFC3339),
	}

	ports, err := s.ports.ListInventory(r.Context())
	if err != nil {
		slog.Warn("dashboard inventory", "err", err)
		data.Error = err.Error()
	}
	system.SortPorts(ports)
	data.Ports = ports
	data.Total = len(ports)
	data.Blocked = lo.CountBy(ports, func(p system.PortRecord) bool { return p.IsBlocked })
	data.Services = lo.CountBy(ports, func(p system.PortRecord) bool { return p.Process.IsSystemdService })

	var buf bytes.Buffer
	if err := dashboardTpl.Execute(&buf, data); err != nil {
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width,initial-scale=1"/>
  <title>Portdeck</title>
  <style>
    *{box-sizing:border-box;}
    body{font-family:system-ui,-apple-system,Segoe UI,Roboto,Ubuntu; background:#0b1220; color:#e7eefc; margin:0; padding:18px;}
    header{display:flex; justify-content:space-between; align-items:center; margin-bottom:14px;}
    h1{font-size:18px; margin:0;}
    a{color:#9fb0d1;}
    .stats{color:#9fb0d1; font-size:13px; margin-bottom:10px;}
    .err{margin:10px 0; padding:10px 12px; border-radius:10px; border:1px solid #5a2030; background:#2a1120; color:#ffb6c1; font-size:13px;}
    table{width:100%; border-collapse:collapse; background:#101a30; border:1px solid #223155; border-radius:14px; font-size:13px;}
    th,td{padding:8px 10px; border-bottom:1px solid #1b2845; text-align:left;}
    th{color:#b7c3dc; font-weight:600;}
    tr.blocked td{color:#ffb6c1;}
    button{padding:4px 8px; border:0; border-radius:8px; background:#4f7cff; color:white; cursor:pointer; font-size:12px; margin-right:4px;}
    button.danger{background:#c0394b;}
    .muted{color:#6f7f9f;}
    .tools{display:flex; gap:10px; align-items:center; margin-bottom:10px; font-size:13px; color:#9fb0d1;}
    .tools input[type=search],.tools select{padding:6px 8px; border-radius:8px; border:1px solid #223155; background:#101a30; color:#e7eefc;}
    .tools input[type=search]{flex:1; max-width:320px;}
  </style>
</head>
<body>
  <header>
    <h1>Portdeck</h1>
    <div>{{.User}} · <a href="logout">Sign out</a></div>
  </header>
  <div class="stats">{{.Total}} ports · {{.Blocked}} blocked · {{.Services}} systemd services · {{.Generated}}</div>
  {{if .Error}}<div class="err">{{.Error}}</div>{{end}}
  <div class="tools">
    <input id="search" type="search" placeholder="Search port, process, PID or service" autocomplete="off"/>
    <select id="proto">
      <option value="">All protocols</option>
      <option>tcp</option><option>tcp6</option><option>udp</option><option>udp6</option>
    </select>
    <button id="reload" type="button">Refresh</button>
    <label><input id="refresh" type="checkbox"/> Auto refresh (5s)</label>
    <span id="shown"></span>
  </div>
  <div id="status" class="stats"></div>
  <table>
    <thead><tr><th>Port</th><th>Proto</th><th>Address</th><th>Process</th><th>PID</th><th>Service</th><th>Conns</th><th>Status</th><th></th></tr></thead>
    <tbody>
    {{range .Ports}}
      <tr{{if .IsBlocked}} class="blocked"{{end}} data-proto="{{.Protocol}}" data-search="{{.Port}} {{.Protocol}} {{.Process.Name}} {{.Process.PID}} {{.Process.ServiceName}}">
        <td>{{.Port}}</td>
        <td>{{.Protocol}}</td>
        <td>{{.LocalAddress}}</td>
        <td title="{{.Process.Command}}">{{.Process.Name}}</td>
        <td>{{if .Process.PID}}{{.Process.PID}}{{else}}<span class="muted">?</span>{{end}}</td>
        <td>{{if .Process.IsSystemdService}}{{.Process.ServiceName}}{{else}}<span class="muted">-</span>{{end}}</td>
        <td>{{.Connections}}</td>
        <td>{{if .IsBlocked}}blocked{{else}}open{{end}}</td>
        <td>
          {{if .Process.PID}}<button class="danger" data-act="kill" data-pid="{{.Process.PID}}" data-port="{{.Port}}">Kill</button>{{end}}
          {{if .Process.IsSystemdService}}<button data-act="restart" data-service="{{.Process.ServiceName}}" data-port="{{.Port}}">Restart</button>{{end}}
          {{if .IsBlocked}}<button data-act="unblock" data-port="{{.Port}}" data-proto="{{.Protocol}}">Unblock</button>
          {{else}}<button class="danger" data-act="block" data-port="{{.Port}}" data-proto="{{.Protocol}}">Block</button>{{end}}
        </td>
      </tr>
    {{else}}
      <tr><td colspan="9" class="muted">No listening ports.</td></tr>
    {{end}}
    </tbody>
  </table>
  <script>
    const csrf = {{.CSRF}};
    const api = {{.APIBase}};
    const search = document.getElementById("search");
    const proto = document.getElementById("proto");
    const refresh = document.getElementById("refresh");
    const rows = Array.from(document.querySelectorAll("tr[data-search]"));
    let timer = null;

    function applyFilter() {
      const q = search.value.trim().toLowerCase();
      let shown = 0;
      rows.forEach(function (tr) {
        const ok = (!q || tr.dataset.search.toLowerCase().includes(q)) && (!proto.value || tr.dataset.proto === proto.value);
        tr.hidden = !ok;
        if (ok) shown++;
      });
      document.getElementById("shown").textContent = shown + " shown";
      sessionStorage.setItem("portdeck.search", search.value);
      sessionStorage.setItem("portdeck.proto", proto.value);
    }

    function setAutoRefresh(on) {
      localStorage.setItem("portdeck.autoRefresh", on ? "1" : "");
      if (timer) clearInterval(timer);
      timer = on ? setInterval(function () { location.reload(); }, 5000) : null;
    }

    search.value = sessionStorage.getItem("portdeck.search") || "";
    proto.value = sessionStorage.getItem("portdeck.proto") || "";
    search.addEventListener("input", applyFilter);
    proto.addEventListener("change", applyFilter);
    applyFilter();
    refresh.checked = localStorage.getItem("portdeck.autoRefresh") === "1";
    refresh.addEventListener("change", function () { setAutoRefresh(refresh.checked); });
    setAutoRefresh(refresh.checked);
    document.getElementById("reload").addEventListener("click", function () { location.reload(); });

    document.querySelectorAll("button[data-act]").forEach(function (b) {
      b.addEventListener("click", async function () {
        const d = b.dataset;
        let body;
        if (d.act === "kill") body = {pid: Number(d.pid), port: Number(d.port)};
        else if (d.act === "restart") body = {serviceName: d.service, port: Number(d.port)};
        else body = {port: Number(d.port), protocol: d.proto};
        if (!confirm(d.act + " " + JSON.stringify(body) + "?")) return;
        const res = await fetch(api + "/" + d.act, {
          method: "POST",
          headers: {"Content-Type": "application/json", "X-Portdeck-CSRF": csrf},
          body: JSON.stringify(body),
        });
        let msg = res.statusText;
        try { msg = (await res.json()).message || msg; } catch (e) {}
        document.getElementById("status").textContent = msg;
        if (res.ok) setTimeout(function () { location.reload(); }, 600);
      });
    });
  </script>
</body>
</html>`
