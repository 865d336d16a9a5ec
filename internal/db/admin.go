package db

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/camtrap/internal/httputil"
	"github.com/banshee-data/camtrap/internal/monitoring"
)

// AttachAdminRoutes mounts the catalog debug pages under /debug/: the
// tailsql console, a JSON event listing and a gzipped backup download.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://camtrap.db", db.DB, &tailsql.DBOptions{
		Label: "Camera trap catalog",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("events", "Recent events and their decisions (JSON)", http.HandlerFunc(db.handleEvents))
	debug.Handle("catalog", "Catalog row counts (JSON)", http.HandlerFunc(db.handleStats))
	debug.Handle("backup", "Create and download a backup of the catalog now", http.HandlerFunc(db.handleBackup))
	return nil
}

func (db *DB) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	if id := r.URL.Query().Get("id"); id != "" {
		e, err := db.GetEvent(id)
		if err != nil {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, e)
		return
	}
	events, err := db.ListEvents(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if events == nil {
		events = []EventRecord{}
	}
	httputil.WriteJSONOK(w, events)
}

func (db *DB) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := db.Stats()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, stats)
}

func (db *DB) handleBackup(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("camtrap-backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(os.TempDir(), name)
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Warnf("failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		monitoring.Warnf("backup download interrupted: %v", err)
	}
}
