package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"pointstreamd/internal/config"
	"pointstreamd/internal/fetch"
	"pointstreamd/internal/logger"
	"pointstreamd/internal/manifest"
	"pointstreamd/internal/models"
	"pointstreamd/internal/stream"
)

const recentErrorLimit = 8

// ErrUnknownSequence reports a session request naming a sequence the
// configuration does not carry. The caller's mistake, not an upstream
// failure.
var ErrUnknownSequence = errors.New("unknown sequence")

// StartRequest describes a new playback session. Zero values defer to the
// configured playback defaults.
type StartRequest struct {
	SequenceID    string
	FPS           float64
	PrefetchDepth int
	Loop          *bool
}

// Session is one live playback of a sequence. It drains the controller's
// frame and error channels into a current-frame snapshot and a bounded list
// of recent failures, which is what the HTTP surface reads.
type Session struct {
	ID         string
	SequenceID string
	Manifest   *models.SequenceManifest
	Controller *stream.Controller

	mu       sync.RWMutex
	current  *models.DecodedFrame
	consumed int
	recent   []stream.FrameError
}

// Info is a JSON-friendly snapshot of a session.
type Info struct {
	ID             string `json:"id"`
	SequenceID     string `json:"sequenceId"`
	Status         string `json:"status"`
	CurrentIndex   int    `json:"currentIndex"`
	FrameCount     int    `json:"frameCount"`
	Generation     uint64 `json:"generation"`
	FramesConsumed int    `json:"framesConsumed"`
	LastError      string `json:"lastError,omitempty"`
}

// CurrentFrame returns the most recently emitted frame, nil before the
// first emission.
func (s *Session) CurrentFrame() *models.DecodedFrame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// RecentErrors returns the most recent per-frame failures, oldest first.
func (s *Session) RecentErrors() []stream.FrameError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]stream.FrameError(nil), s.recent...)
}

// Info snapshots the session for the API.
func (s *Session) Info() Info {
	snap := s.Controller.Snapshot()
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{
		ID:             s.ID,
		SequenceID:     s.SequenceID,
		Status:         snap.Status.String(),
		CurrentIndex:   snap.CurrentIndex,
		FrameCount:     snap.FrameCount,
		Generation:     snap.Generation,
		FramesConsumed: s.consumed,
	}
	if n := len(s.recent); n > 0 {
		info.LastError = s.recent[n-1].Error()
	}
	return info
}

// consume is the session's subscriber goroutine. It exits when the
// controller's run loop does, keeping the last frame around for inspection.
func (s *Session) consume() {
	frames := s.Controller.Frames()
	errs := s.Controller.Errors()
	done := s.Controller.Done()

	for {
		select {
		case f := <-frames:
			s.mu.Lock()
			s.current = f
			s.consumed++
			s.mu.Unlock()
		case fe := <-errs:
			s.recordError(fe)
		case <-done:
			// Pick up anything emitted just before the loop exited.
			for {
				select {
				case f := <-frames:
					s.mu.Lock()
					s.current = f
					s.consumed++
					s.mu.Unlock()
				case fe := <-errs:
					s.recordError(fe)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) recordError(fe stream.FrameError) {
	s.mu.Lock()
	s.recent = append(s.recent, fe)
	if len(s.recent) > recentErrorLimit {
		s.recent = s.recent[1:]
	}
	s.mu.Unlock()
}

// Manager owns all active playback sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	log         logger.Logger
	cfg         *config.Config
	fetcher     *fetch.Fetcher
	manifestOpt fetch.Options
}

// NewManager creates a session manager on the shared fetcher.
func NewManager(log logger.Logger, cfg *config.Config, fetcher *fetch.Fetcher) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		log:         log,
		cfg:         cfg,
		fetcher:     fetcher,
		manifestOpt: cfg.Network.ManifestFetchOptions(),
	}
}

// Create loads the sequence's manifest and starts playback. The returned
// session is registered until Remove or Stop.
func (m *Manager) Create(ctx context.Context, req StartRequest) (*Session, error) {
	seq, ok := m.cfg.Sequence(req.SequenceID)
	if !ok {
		return nil, fmt.Errorf("sequence %q is not configured: %w", req.SequenceID, ErrUnknownSequence)
	}

	loader := manifest.NewLoader(m.fetcher, m.log, seq.BaseURL, m.manifestOpt)
	man, err := loader.Load(ctx, seq.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to start session for sequence %q: %w", seq.ID, err)
	}

	opts := stream.Options{
		FPS:           m.cfg.Playback.FPS,
		PrefetchDepth: m.cfg.Playback.PrefetchDepth,
		Loop:          m.cfg.Playback.Loop,
		Fetch:         m.cfg.Network.FrameFetchOptions(),
	}
	if req.FPS > 0 {
		opts.FPS = req.FPS
	}
	if req.PrefetchDepth > 0 {
		opts.PrefetchDepth = req.PrefetchDepth
	}
	if req.Loop != nil {
		opts.Loop = *req.Loop
	}

	ctrl := stream.New(m.fetcher, m.log)
	if err := ctrl.Start(man, opts); err != nil {
		return nil, err
	}

	s := &Session{
		ID:         uuid.NewString(),
		SequenceID: seq.ID,
		Manifest:   man,
		Controller: ctrl,
	}
	go s.consume()

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.log.Infof("Created session %s for sequence %s", s.ID, seq.ID)
	return s, nil
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns all registered sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Remove stops a session and forgets it.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.Controller.Stop()
	m.log.Infof("Removed session %s", id)
	return true
}

// Stop shuts down every session.
func (m *Manager) Stop() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Controller.Stop()
	}
	if len(sessions) > 0 {
		m.log.Infof("Stopped %d active sessions", len(sessions))
	}
}
