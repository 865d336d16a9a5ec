package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/camtrap/internal/capture"
	"github.com/banshee-data/camtrap/internal/httputil"
	"github.com/banshee-data/camtrap/internal/monitoring"
	"github.com/banshee-data/camtrap/internal/sensor"
	"github.com/banshee-data/camtrap/internal/seqqueue"
	"github.com/banshee-data/camtrap/internal/trigger"
	"github.com/banshee-data/camtrap/internal/version"
)

// Status is a point-in-time view of a running pipeline.
type Status struct {
	Build      version.Info                         `json:"build"`
	Mode       string                               `json:"mode"`
	Capture    capture.LoopStats                    `json:"capture"`
	Trigger    trigger.Snapshot                     `json:"trigger"`
	Recorder   *capture.RecorderStats               `json:"recorder,omitempty"`
	Dispatcher *DispatcherStats                     `json:"dispatcher,omitempty"`
	Sequences  *seqqueue.Stats                      `json:"sequences,omitempty"`
	Latency    map[string]monitoring.LatencySummary `json:"latency"`
	Sensor     *sensor.Log                          `json:"sensor,omitempty"`
	Live       LiveStats                            `json:"live"`
}

// LiveStats describes the websocket decision stream.
type LiveStats struct {
	Clients int    `json:"clients"`
	Dropped uint64 `json:"dropped"`
}

// Status collects counters from every component.
func (p *Pipeline) Status() Status {
	s := Status{
		Build:   version.Get(),
		Mode:    p.cfg.Pipeline.Mode,
		Capture: p.loop.Stats(),
		Trigger: p.broadcaster.Latest(),
		Live:    LiveStats{Clients: p.live.Clients(), Dropped: p.live.Dropped()},
		Latency: map[string]monitoring.LatencySummary{
			"motion": p.scorer.Latency(),
		},
	}
	if p.recorder != nil {
		rs := p.recorder.Stats()
		s.Recorder = &rs
		s.Latency["writer"] = p.recorder.Latency()
	}
	if p.dispatcher != nil {
		ds := p.dispatcher.Stats()
		s.Dispatcher = &ds
		s.Latency["detector"] = p.dispatcher.Latency()
	}
	if p.frames != nil {
		qs := p.frames.Stats()
		s.Sequences = &qs
	}
	if p.sensor != nil {
		if l, ok := p.sensor.Latest(); ok {
			s.Sensor = &l
		}
	}
	return s
}

// AttachAdminRoutes mounts the status page, the trigger and decision
// streams, the motion chart and the catalog and sensor pages under /debug/.
func (p *Pipeline) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	debug.Handle("status", "Pipeline counters and latencies (JSON)", http.HandlerFunc(p.handleStatus))
	debug.HandleSilentFunc("trigger-tail", p.handleTriggerTail)
	p.trace.AttachAdminRoutes(mux)
	p.live.AttachAdminRoutes(mux)
	if p.sensor != nil {
		p.sensor.AttachAdminRoutes(mux)
	}
	return p.catalog.AttachAdminRoutes(mux)
}

func (p *Pipeline) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, p.Status())
}

// handleTriggerTail streams trigger snapshots as server-sent events.
func (p *Pipeline) handleTriggerTail(w http.ResponseWriter, r *http.Request) {
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
	w.Header().Set("X-Accel-Buffering", "no")

	id, c := p.broadcaster.Subscribe()
	defer p.broadcaster.Unsubscribe(id)
	for {
		select {
		case snap, ok := <-c:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
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
}
