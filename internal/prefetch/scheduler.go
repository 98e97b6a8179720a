package prefetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pointstreamd/internal/fetch"
	"pointstreamd/internal/logger"
	"pointstreamd/internal/models"
	"pointstreamd/internal/pointcloud"
)

// SlotState is the lifecycle of one frame-window slot.
type SlotState int

const (
	SlotPending SlotState = iota
	SlotLoading
	SlotReady
	SlotFailed
)

func (s SlotState) String() string {
	switch s {
	case SlotPending:
		return "pending"
	case SlotLoading:
		return "loading"
	case SlotReady:
		return "ready"
	case SlotFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is a completion message posted by a slot's fetch goroutine to the
// scheduler's owning loop. Results carry the generation they were started
// under; a result from a stale generation is discarded without touching the
// window.
type Result struct {
	Generation uint64
	Index      int
	Frame      *models.DecodedFrame
	Err        error
}

type slot struct {
	state  SlotState
	frame  *models.DecodedFrame
	err    error
	cancel context.CancelFunc
}

// Options configures a scheduler.
type Options struct {
	// Depth bounds both the window extent ahead of the playhead and the
	// number of concurrently loading slots.
	Depth int
	// Fetch is the per-frame fetch policy (timeout, backoff).
	Fetch fetch.Options
}

// Scheduler keeps a bounded window of frames ahead of the playhead fetched
// and decoded. It is not safe for concurrent use: all methods must be called
// from the single goroutine that owns playback state, with fetch completions
// delivered to that goroutine through the results channel.
type Scheduler struct {
	fetcher   *fetch.Fetcher
	log       logger.Logger
	results   chan<- Result
	depth     int
	fetchOpts fetch.Options

	manifest   *models.SequenceManifest
	generation uint64
	playhead   int
	window     map[int]*slot
	loading    int
}

// New creates a scheduler posting completions to results. The channel should
// be buffered at least Depth deep so fetch goroutines rarely block on it.
func New(fetcher *fetch.Fetcher, log logger.Logger, results chan<- Result, opts Options) *Scheduler {
	depth := opts.Depth
	if depth < 1 {
		depth = 1
	}
	return &Scheduler{
		fetcher:   fetcher,
		log:       log,
		results:   results,
		depth:     depth,
		fetchOpts: opts.Fetch,
		window:    make(map[int]*slot),
	}
}

// Reset cancels every slot and re-arms the scheduler for a new manifest and
// generation. A nil manifest leaves the scheduler idle (stop).
func (s *Scheduler) Reset(m *models.SequenceManifest, generation uint64) {
	for idx, sl := range s.window {
		s.evict(idx, sl)
	}
	s.manifest = m
	s.generation = generation
	s.playhead = 0
	s.loading = 0
	s.window = make(map[int]*slot)
}

// Advance re-anchors the window at playhead: slots outside
// [playhead, playhead+depth) are evicted, with any in-flight fetch
// cancelled, and missing slots are created and started up to the
// concurrency bound.
func (s *Scheduler) Advance(playhead int) {
	if s.manifest == nil {
		return
	}
	s.playhead = playhead

	for idx, sl := range s.window {
		if idx < playhead || idx >= playhead+s.depth {
			s.evict(idx, sl)
		}
	}

	end := min(playhead+s.depth, len(s.manifest.Frames))
	for i := playhead; i < end; i++ {
		if _, ok := s.window[i]; !ok {
			s.window[i] = &slot{state: SlotPending}
		}
	}

	s.fill()
}

// Peek reports the slot for index i without consuming it.
func (s *Scheduler) Peek(i int) (SlotState, *models.DecodedFrame, error) {
	sl, ok := s.window[i]
	if !ok {
		return SlotPending, nil, nil
	}
	return sl.state, sl.frame, sl.err
}

// Take removes a ready slot from the window and hands its frame to the
// caller, transferring ownership of the decoded buffers.
func (s *Scheduler) Take(i int) (*models.DecodedFrame, bool) {
	sl, ok := s.window[i]
	if !ok || sl.state != SlotReady {
		return nil, false
	}
	delete(s.window, i)
	return sl.frame, true
}

// ClearFailed discards a failed slot so the next Advance refetches it. This
// is the retry path behind seeking to a failed index.
func (s *Scheduler) ClearFailed(i int) {
	if sl, ok := s.window[i]; ok && sl.state == SlotFailed {
		delete(s.window, i)
	}
}

// HandleResult applies a fetch completion to the window. It returns the
// failure to surface upward, if any; stale-generation and cancellation
// results are silently discarded.
func (s *Scheduler) HandleResult(r Result) error {
	if r.Generation != s.generation {
		s.log.Debugf("Discarding result for frame %d from stale generation %d (current %d)", r.Index, r.Generation, s.generation)
		return nil
	}

	sl, ok := s.window[r.Index]
	if !ok || sl.state != SlotLoading {
		// Evicted while the completion was in flight.
		return nil
	}

	s.loading--
	sl.cancel = nil

	switch {
	case errors.Is(r.Err, fetch.ErrCancelled):
		delete(s.window, r.Index)
	case r.Err != nil:
		sl.state = SlotFailed
		sl.err = r.Err
	default:
		sl.state = SlotReady
		sl.frame = r.Frame
	}

	s.fill()

	if r.Err != nil && !errors.Is(r.Err, fetch.ErrCancelled) {
		return r.Err
	}
	return nil
}

// LoadingCount reports how many slots are currently in flight.
func (s *Scheduler) LoadingCount() int { return s.loading }

// WindowSize reports how many slots the window currently holds.
func (s *Scheduler) WindowSize() int { return len(s.window) }

func (s *Scheduler) evict(idx int, sl *slot) {
	if sl.state == SlotLoading {
		if sl.cancel != nil {
			sl.cancel()
		}
		s.loading--
	}
	delete(s.window, idx)
}

// fill promotes pending slots, in playback order, while the concurrency
// bound allows.
func (s *Scheduler) fill() {
	for i := s.playhead; i < s.playhead+s.depth && s.loading < s.depth; i++ {
		sl, ok := s.window[i]
		if !ok || sl.state != SlotPending {
			continue
		}
		s.startLoad(i, sl)
	}
}

func (s *Scheduler) startLoad(i int, sl *slot) {
	ctx, cancel := context.WithCancel(context.Background())
	sl.state = SlotLoading
	sl.cancel = cancel
	s.loading++

	ref := s.manifest.Frames[i]
	gen := s.generation
	results := s.results

	go func() {
		frame, err := s.loadFrame(ctx, i, ref)
		r := Result{Generation: gen, Index: i, Frame: frame, Err: err}
		select {
		case results <- r:
		case <-ctx.Done():
			// Evicted; nobody wants this result anymore.
		}
	}()
}

// loadFrame runs the per-slot pipeline: fetch points, decode, then
// best-effort ground truth and per-branch detections. A gt/det failure never
// fails the frame.
func (s *Scheduler) loadFrame(ctx context.Context, i int, ref models.FrameRef) (*models.DecodedFrame, error) {
	resp, err := s.fetcher.FetchWithRetry(ctx, ref.URLs.Points, s.fetchOpts)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("points fetch for frame %s returned status %d", ref.ID, resp.StatusCode)
	}

	pc, err := pointcloud.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode points for frame %s: %w", ref.ID, err)
	}

	frame := &models.DecodedFrame{
		Index:      i,
		Ref:        ref,
		Positions:  pc.Positions,
		PointCount: pc.PointCount,
		Detections: make(map[string]json.RawMessage),
	}

	if ref.URLs.GT != "" {
		body, err := s.fetchJSON(ctx, ref.URLs.GT)
		switch {
		case errors.Is(err, fetch.ErrCancelled):
			return nil, err
		case err != nil:
			s.log.Warnf("Ground truth fetch for frame %s failed: %v", ref.ID, err)
		default:
			frame.GroundTruth = body
		}
	}

	for branch, detURL := range ref.URLs.Det {
		body, err := s.fetchJSON(ctx, detURL)
		switch {
		case errors.Is(err, fetch.ErrCancelled):
			return nil, err
		case err != nil:
			s.log.Warnf("Detection fetch for frame %s branch %s failed: %v", ref.ID, branch, err)
		default:
			frame.Detections[branch] = body
		}
	}

	frame.FetchedAt = time.Now()
	return frame, nil
}

func (s *Scheduler) fetchJSON(ctx context.Context, u string) (json.RawMessage, error) {
	resp, err := s.fetcher.FetchWithRetry(ctx, u, s.fetchOpts)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	if !json.Valid(resp.Body) {
		return nil, errors.New("body is not valid JSON")
	}
	return json.RawMessage(resp.Body), nil
}
