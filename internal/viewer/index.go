package viewer

import (
	"html/template"
	"log/slog"
	"net/http"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>camlink</title>
<style>body{background:#111;color:#ddd;font-family:sans-serif}figure{display:inline-block;margin:8px}img{max-width:640px;background:#000}</style>
</head>
<body>
{{range .}}<figure><img id="view-{{.}}" alt="{{.}}"><figcaption>{{.}} <span id="fps-{{.}}"></span></figcaption></figure>
{{end}}
<script>
for (const view of {{.}}) {
  const img = document.getElementById("view-" + view);
  const fps = document.getElementById("fps-" + view);
  let frames = 0;
  setInterval(() => { fps.textContent = frames + " fps"; frames = 0; }, 1000);
  const connect = () => {
    const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws/" + view);
    ws.binaryType = "blob";
    ws.onmessage = (ev) => {
      const url = URL.createObjectURL(ev.data);
      img.onload = () => URL.revokeObjectURL(url);
      img.src = url;
      frames++;
    };
    ws.onclose = () => setTimeout(connect, 1000);
  };
  connect();
}
</script>
</body>
</html>
`))

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, s.views); err != nil {
		slog.Warn("failed to render index", "error", err)
	}
}
