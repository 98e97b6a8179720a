package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"pointstreamd/internal/config"
	"pointstreamd/internal/logger"
	"pointstreamd/internal/pointcloud"
	"pointstreamd/internal/session"
)

// API is the HTTP control surface over playback sessions.
type API struct {
	log      logger.Logger
	cfg      *config.Config
	sessions *session.Manager
}

// New builds the router. All responses are JSON except the raw point dump.
func New(log logger.Logger, cfg *config.Config, sessions *session.Manager) http.Handler {
	a := &API{log: log, cfg: cfg, sessions: sessions}

	r := mux.NewRouter()
	r.HandleFunc("/api/sequences", a.handleSequences).Methods("GET")
	r.HandleFunc("/api/sessions", a.handleCreateSession).Methods("POST")
	r.HandleFunc("/api/sessions", a.handleListSessions).Methods("GET")
	r.HandleFunc("/api/sessions/{id}", a.handleGetSession).Methods("GET")
	r.HandleFunc("/api/sessions/{id}", a.handleDeleteSession).Methods("DELETE")
	r.HandleFunc("/api/sessions/{id}/pause", a.handlePause).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/play", a.handlePlay).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/stop", a.handleStop).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/seek", a.handleSeek).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/frame", a.handleFrame).Methods("GET")
	r.HandleFunc("/api/sessions/{id}/frame/points", a.handleFramePoints).Methods("GET")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return corsHandler.Handler(r)
}

type sequenceInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	BaseURL string `json:"baseUrl"`
}

func (a *API) handleSequences(w http.ResponseWriter, r *http.Request) {
	out := make([]sequenceInfo, 0, len(a.cfg.Sequences))
	for _, seq := range a.cfg.Sequences {
		out = append(out, sequenceInfo{ID: seq.ID, Name: seq.Name, BaseURL: seq.BaseURL})
	}
	writeJSON(w, http.StatusOK, out)
}

type createSessionRequest struct {
	SequenceID    string  `json:"sequenceId"`
	FPS           float64 `json:"fps,omitempty"`
	PrefetchDepth int     `json:"prefetchDepth,omitempty"`
	Loop          *bool   `json:"loop,omitempty"`
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.SequenceID == "" {
		http.Error(w, "sequenceId is required", http.StatusBadRequest)
		return
	}

	s, err := a.sessions.Create(r.Context(), session.StartRequest{
		SequenceID:    req.SequenceID,
		FPS:           req.FPS,
		PrefetchDepth: req.PrefetchDepth,
		Loop:          req.Loop,
	})
	if err != nil {
		if errors.Is(err, session.ErrUnknownSequence) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		a.log.Warnf("Failed to create session: %v", err)
		http.Error(w, fmt.Sprintf("Failed to create session: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, s.Info())
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := a.sessions.List()
	out := make([]session.Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

func (a *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !a.sessions.Remove(id) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, func(s *session.Session) error { return s.Controller.Pause() })
}

func (a *API) handlePlay(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, func(s *session.Session) error { return s.Controller.Play() })
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, func(s *session.Session) error {
		s.Controller.Stop()
		return nil
	})
}

type seekRequest struct {
	Index int `json:"index"`
}

func (a *API) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	a.control(w, r, func(s *session.Session) error { return s.Controller.Seek(req.Index) })
}

type frameResponse struct {
	Index          int                        `json:"index"`
	FrameID        string                     `json:"frameId"`
	PointCount     int                        `json:"pointCount"`
	FetchedAt      time.Time                  `json:"fetchedAt"`
	GroundTruth    json.RawMessage            `json:"groundTruth,omitempty"`
	Detections     map[string]json.RawMessage `json:"detections,omitempty"`
	ClassMap       map[string]string          `json:"classMap,omitempty"`
	HasGroundTruth bool                       `json:"hasGroundTruth"`
}

func (a *API) handleFrame(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	frame := s.CurrentFrame()
	if frame == nil {
		http.Error(w, "No frame emitted yet", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, frameResponse{
		Index:          frame.Index,
		FrameID:        frame.Ref.ID,
		PointCount:     frame.PointCount,
		FetchedAt:      frame.FetchedAt,
		GroundTruth:    frame.GroundTruth,
		Detections:     frame.Detections,
		ClassMap:       s.Manifest.ClassMap,
		HasGroundTruth: frame.GroundTruth != nil,
	})
}

func (a *API) handleFramePoints(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	frame := s.CurrentFrame()
	if frame == nil {
		http.Error(w, "No frame emitted yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Point-Count", fmt.Sprintf("%d", frame.PointCount))
	w.Header().Set("X-Frame-Index", fmt.Sprintf("%d", frame.Index))
	w.Write(pointcloud.EncodeRaw(frame.Positions))
}

func (a *API) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := mux.Vars(r)["id"]
	s, ok := a.sessions.Get(id)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return nil, false
	}
	return s, true
}

func (a *API) control(w http.ResponseWriter, r *http.Request, op func(*session.Session) error) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	if err := op(s); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
