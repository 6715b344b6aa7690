// Package http is the out-of-band control plane for rooms. Unlike the
// socket path, which ties streamer privileges to the live connection that
// created the room, every endpoint here authorizes by knowledge of the
// room id alone. That asymmetry is deliberate: this surface exists for
// low-stakes tooling (scripted pushes, probes), not as a security
// boundary.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/castlab/castrelay/storage/memory"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type ControlService interface {
	CreateDetachedRoom() string
	PushByID(roomID, kind, value string) (int, error)
	RoomStatus(roomID string) (memory.RoomStatus, error)
	DeleteRoom(roomID string) error
	BroadcastEvent(raw []byte) (relayed, clients int)
	Stats() (clients, rooms int)
}

type PushRequest struct {
	Kind  string `json:"type"`
	Value string `json:"value"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	logger zerolog.Logger
	svc    ControlService
	*http.Server
}

type Config struct {
	Logger         *zerolog.Logger
	ControlService ControlService
	ListenAddr     string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.ControlService,
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /api/rooms", srv.createRoom)
	r.HandleFunc("POST /api/room/{id}/push", srv.pushContent)
	r.HandleFunc("GET /api/room/{id}", srv.roomStatus)
	r.HandleFunc("DELETE /api/room/{id}", srv.deleteRoom)
	r.HandleFunc("POST /api/events", srv.broadcastEvent)
	r.HandleFunc("GET /health", srv.health)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

// Handler exposes the mux so tests can mount the server on httptest.
func (srv *Server) Handler() http.Handler {
	return srv.Server.Handler
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	setCORS(w)
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (srv *Server) createRoom(w http.ResponseWriter, _ *http.Request) {
	setCORS(w)
	roomID := srv.svc.CreateDetachedRoom()
	writeJSON(w, http.StatusCreated, map[string]string{"roomId": roomID}, &srv.logger)
}

func (srv *Server) pushContent(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	roomID := r.PathValue("id")

	// The room is resolved before the body is looked at, so an unknown id
	// answers 404 even when the payload is also bad.
	if _, err := srv.svc.RoomStatus(roomID); err != nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Room not found"}, &srv.logger)
		return
	}

	body, _ := io.ReadAll(r.Body)
	defer func() {
		_ = r.Body.Close()
	}()

	var req PushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid JSON"}, &srv.logger)
		return
	}
	if req.Kind == "" || req.Value == "" {
		writeJSON(w, http.StatusBadRequest,
			ErrorResponse{Error: `Content must have "type" and "value" fields`}, &srv.logger)
		return
	}

	viewers, err := srv.svc.PushByID(roomID, req.Kind, req.Value)
	if err != nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Room not found"}, &srv.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "viewers": viewers}, &srv.logger)
}

func (srv *Server) roomStatus(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	status, err := srv.svc.RoomStatus(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Room not found"}, &srv.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roomId":  status.RoomID,
		"viewers": status.Viewers,
		"content": status.Content,
	}, &srv.logger)
}

func (srv *Server) deleteRoom(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if err := srv.svc.DeleteRoom(r.PathValue("id")); err != nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Room not found"}, &srv.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true}, &srv.logger)
}

func (srv *Server) broadcastEvent(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	body, _ := io.ReadAll(r.Body)
	defer func() {
		_ = r.Body.Close()
	}()

	var event struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid JSON"}, &srv.logger)
		return
	}
	if event.Type == "" {
		writeJSON(w, http.StatusBadRequest,
			ErrorResponse{Error: `Event must have a "type" field`}, &srv.logger)
		return
	}

	relayed, clients := srv.svc.BroadcastEvent(body)
	writeJSON(w, http.StatusOK, map[string]any{"relayed": relayed, "clients": clients}, &srv.logger)
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	setCORS(w)
	clients, rooms := srv.svc.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": clients,
		"rooms":   rooms,
	}, &srv.logger)
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *zerolog.Logger) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
