package sensor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/camtrap/internal/httputil"
)

// AttachAdminRoutes mounts the sensor debug pages under /debug/. These are
// reachable only from localhost or over Tailscale.
func (l *Logs) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("sensor", "latest environmental readings (JSON)", func(w http.ResponseWriter, r *http.Request) {
		now := l.cfg.Clock.Now()
		window := time.Hour
		if s := r.URL.Query().Get("window"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil || d <= 0 {
				httputil.BadRequest(w, "window must be a positive duration")
				return
			}
			window = d
		}
		logs := l.Between(now.Add(-window), now)
		if logs == nil {
			logs = []Log{}
		}
		httputil.WriteJSONOK(w, logs)
	})

	debug.HandleSilentFunc("sensor-command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			httputil.BadRequest(w, "missing command")
			return
		}
		if err := l.SendCommand(command); err != nil {
			httputil.InternalServerError(w, "failed to write command")
			return
		}
		httputil.WriteJSONOK(w, map[string]string{"sent": command})
	})

	// Server-sent events, one per new reading.
	debug.HandleSilentFunc("sensor-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httputil.InternalServerError(w, "streaming unsupported")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := l.Subscribe()
		defer l.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()
		for {
			select {
			case log, ok := <-c:
				if !ok {
					return
				}
				data, err := json.Marshal(log)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
