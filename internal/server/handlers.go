package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/comercium/deployctl/internal/buildinfo"
	"github.com/comercium/deployctl/internal/database"
	"github.com/comercium/deployctl/internal/pipeline"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildinfo.Version,
	})
}

// handleReadyz reports ready once the database accepts connections, so
// Render holds traffic until the app's backing services are up.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	target, err := database.Resolve(s.env.DatabaseURL, s.env.SQLitePath, s.env.SQLiteTimeout)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	target = target.RebaseSQLite(s.workDir)

	db, err := database.OpenLazy(target)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := db.WaitReady(ctx, 3*time.Second); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database not ready: "+target.Redacted())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Project       string              `json:"project"`
	Version       string              `json:"version"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Running       bool                `json:"running"`
	LastRun       *pipeline.RunResult `json:"last_run,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Project:       s.cfg.Project,
		Version:       buildinfo.Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Running:       s.running.Load(),
		LastRun:       s.lastResult(),
	})
}

type deployRequest struct {
	Profile string `json:"profile"`
}

type deployResponse struct {
	RunID   string   `json:"run_id"`
	Profile string   `json:"profile"`
	Stages  []string `json:"stages"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	profile := req.Profile
	if profile == "" {
		profile = s.cfg.DefaultProfile
	}

	if !s.deploys.Allow() {
		writeError(w, http.StatusTooManyRequests, "deploy rate limit exceeded")
		return
	}

	rc, stageNames, err := s.startDeploy(profile)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.log.Info("deploy accepted", "run_id", rc.RunID, "profile", profile, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, deployResponse{
		RunID:   rc.RunID,
		Profile: profile,
		Stages:  stageNames,
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.history.List()})
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if run := s.lastResult(); run != nil && run.ID == id {
		writeJSON(w, http.StatusOK, run)
		return
	}
	run, ok := s.history.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no such run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from the app's own origin; serve mode itself
	// has no cookies or credentials to protect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams pipeline events to a websocket client until the
// client disconnects or the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err.Error(), "remote", r.RemoteAddr)
		return
	}
	defer conn.Close()

	events := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(events)

	// Read pump: we expect no client messages, but reading is how gorilla
	// surfaces close frames.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-clientGone:
			return
		case <-s.done:
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
