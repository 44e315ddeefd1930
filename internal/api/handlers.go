package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/life-stream-dev/life-stream-audio-center/internal/broadcast"
	"github.com/life-stream-dev/life-stream-audio-center/internal/connection"
	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
	"github.com/life-stream-dev/life-stream-audio-center/internal/packet"
	"github.com/life-stream-dev/life-stream-audio-center/internal/protocol"
	"github.com/life-stream-dev/life-stream-audio-center/internal/remote"
	"github.com/life-stream-dev/life-stream-audio-center/internal/server"
)

func now() int64 {
	return time.Now().UnixMilli()
}

// decodeBody decodes an optional JSON body into v. An empty body is fine.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(s.ctx.StartedAt).Round(time.Second).String(),
		"sessions":  s.ctx.Registry.Len(),
		"timestamp": now(),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.ctx.Devices.List()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"device_count": len(devices),
		"devices":      devices,
		"timestamp":    now(),
	})
}

func (s *Server) handleKnownDevices(w http.ResponseWriter, r *http.Request) {
	records, err := s.ctx.Devices.Known(r.Context())
	if err != nil {
		logger.ErrorF("Fail to list known devices: %v", err)
		respondError(w, http.StatusInternalServerError, "device directory unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"device_count": len(records),
		"devices":      records,
		"timestamp":    now(),
	})
}

func (s *Server) handleServerStatus(w http.ResponseWriter, _ *http.Request) {
	running := s.tcp != nil && s.tcp.Running()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "success",
		"server_running": running,
		"device_count":   s.ctx.Devices.Len(),
		"experiment":     s.ctx.Devices.Experiment(),
		"uploading":      s.ctx.Uploads.Tasks(),
		"timestamp":      now(),
	})
}

type sessionView struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	Transport    string    `json:"transport"`
	RemoteAddr   string    `json:"remote_addr"`
	Groups       []string  `json:"groups"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	conns := s.ctx.Registry.Snapshot()
	views := make([]sessionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, sessionView{
			ID:           conn.ID(),
			State:        conn.Session().State().String(),
			Transport:    conn.Kind(),
			RemoteAddr:   conn.RemoteAddr(),
			Groups:       conn.Session().Groups(),
			ConnectedAt:  conn.CreatedAt(),
			LastActivity: conn.Session().LastActivity(),
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"count":    len(views),
		"sessions": views,
		"groups":   s.ctx.Registry.Groups(),
	})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]
	var req struct {
		Subtype string         `json:"subtype"`
		Data    map[string]any `json:"data"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Subtype == "" {
		respondError(w, http.StatusBadRequest, "subtype is required")
		return
	}

	report, err := s.ctx.Broadcast.Publish(packet.NewEvent(packet.ToGroup(group), protocol.Notification, req.Subtype, req.Data))
	switch {
	case errors.Is(err, broadcast.ErrNoTargets):
		respondError(w, http.StatusNotFound, "no sessions in group "+group)
		return
	case err != nil:
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	failed := make(map[string]string, len(report.Failed))
	for id, cause := range report.Failed {
		failed[id] = cause.Error()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"group":     group,
		"targets":   report.Targets,
		"delivered": report.Delivered,
		"failed":    failed,
	})
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SceneID   string `json:"scene_id"`
		Timestamp int64  `json:"timestamp"`
		Duration  int    `json:"duration"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status, err := s.ctx.Recorder.Start(req.SceneID, req.Timestamp, req.Duration)
	switch {
	case errors.Is(err, remote.ErrEmptyScene):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusServiceUnavailable, "No devices connected or recording failed: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"message":   "Recording started",
		"scene_id":  status.Scene,
		"timestamp": status.Timestamp,
		"devices":   status.Devices,
	})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, _ *http.Request) {
	status, err := s.ctx.Recorder.Stop()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "Failed to stop recording: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"message":  "Recording stopped",
		"scene_id": status.Scene,
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.ctx.Recorder.Status()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "success",
		"is_recording":  status.Recording,
		"current_scene": status.Scene,
		"timestamp":     now(),
	})
}

func (s *Server) handleSyncTime(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientTimestamp *int64 `json:"client_timestamp"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	current := now()
	response := map[string]any{
		"status":           "success",
		"server_timestamp": current,
		"message":          "Time synchronized",
	}
	if req.ClientTimestamp != nil {
		response["client_timestamp"] = *req.ClientTimestamp
		response["offset_ms"] = current - *req.ClientTimestamp
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleCurrentTime(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"timestamp": now(),
	})
}

// handleWebSocket upgrades and then serves the link exactly like a TCP
// device connection, one frame per binary message.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnF("WebSocket upgrade failed: %v", err)
		return
	}
	server.ServeTransport(s.ctx, connection.NewWSTransport(ws, s.ctx.Config.Server.MaxFrameSize))
}
