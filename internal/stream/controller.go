package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pointstreamd/internal/fetch"
	"pointstreamd/internal/logger"
	"pointstreamd/internal/models"
	"pointstreamd/internal/prefetch"
)

// ErrStopped is returned by playback commands when no session is running.
var ErrStopped = errors.New("playback is not running")

// Status is the playback state machine's state.
type Status int

const (
	StatusStopped Status = iota
	StatusPlaying
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Options configures one playback session.
type Options struct {
	// FPS overrides the manifest's playback rate when positive.
	FPS float64
	// PrefetchDepth bounds the prefetch window; values below 1 are treated
	// as 1.
	PrefetchDepth int
	// Loop wraps the playhead to frame 0 after the last frame instead of
	// stopping.
	Loop bool
	// Fetch is the per-frame fetch policy.
	Fetch fetch.Options
}

// FrameError is a non-fatal per-frame failure surfaced on the controller's
// error channel. Playback holds at the failed index; the caller chooses to
// retry (seek to the same index), skip (seek past it) or abort (stop).
type FrameError struct {
	Index   int
	FrameID string
	Err     error
}

func (e FrameError) Error() string {
	return fmt.Sprintf("frame %d (%s): %v", e.Index, e.FrameID, e.Err)
}

func (e FrameError) Unwrap() error { return e.Err }

// Snapshot is a point-in-time view of playback state.
type Snapshot struct {
	Status       Status
	CurrentIndex int
	FrameCount   int
	Generation   uint64
	SequenceID   string
}

type opKind int

const (
	opPause opKind = iota
	opPlay
	opSeek
)

type command struct {
	op    opKind
	index int
	reply chan error
}

// Controller owns playback state and drives a prefetch scheduler. All
// scheduler and state mutation happens on the session's single run
// goroutine; ticks, fetch completions and commands all arrive there as
// channel messages, so no lock guards the window.
type Controller struct {
	log     logger.Logger
	fetcher *fetch.Fetcher

	frames chan *models.DecodedFrame
	errs   chan FrameError

	generation atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	cmds   chan command
	snap   Snapshot
}

// New creates a controller. Frames and errors channels live for the
// controller's lifetime, across restarts.
func New(fetcher *fetch.Fetcher, log logger.Logger) *Controller {
	return &Controller{
		log:     log,
		fetcher: fetcher,
		frames:  make(chan *models.DecodedFrame, 1),
		errs:    make(chan FrameError, 16),
	}
}

// Frames is the ordered stream of decoded frames. Each emitted frame is
// owned exclusively by the consumer.
func (c *Controller) Frames() <-chan *models.DecodedFrame { return c.frames }

// Errors is the side channel for non-fatal per-frame failures.
func (c *Controller) Errors() <-chan FrameError { return c.errs }

// Start begins playback of manifest from frame 0. A session already running
// is stopped first; either way the generation is bumped so in-flight fetches
// from the previous session can never surface.
func (c *Controller) Start(m *models.SequenceManifest, opts Options) error {
	if m == nil || len(m.Frames) == 0 {
		return errors.New("cannot start playback without frames")
	}
	fps := opts.FPS
	if fps <= 0 {
		fps = m.FPS
	}
	if fps <= 0 {
		return fmt.Errorf("invalid playback rate %g", fps)
	}

	c.Stop()

	gen := c.generation.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	cmds := make(chan command)

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.cmds = cmds
	c.snap = Snapshot{
		Status:       StatusPlaying,
		CurrentIndex: 0,
		FrameCount:   len(m.Frames),
		Generation:   gen,
		SequenceID:   m.SequenceID,
	}
	c.mu.Unlock()

	c.log.Infof("Starting playback of sequence %s: %d frames at %.3g fps (depth %d, loop %t)",
		m.SequenceID, len(m.Frames), fps, opts.PrefetchDepth, opts.Loop)

	go c.run(ctx, done, cmds, m, opts, fps, gen)
	return nil
}

// Stop halts ticking, cancels all in-flight fetches, clears the window and
// discards anything still buffered on the frames and errors channels. Safe to
// call in any state.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	// The run loop has exited; a frame still sitting in the delivery buffer
	// belongs to the stopped session and must never reach a consumer of the
	// next one.
drain:
	for {
		select {
		case <-c.frames:
		case <-c.errs:
		default:
			break drain
		}
	}

	c.mu.Lock()
	if c.done == done {
		c.cancel = nil
		c.cmds = nil
	}
	c.mu.Unlock()
}

// Pause suspends ticking without resetting the playhead or the window.
func (c *Controller) Pause() error { return c.send(command{op: opPause}) }

// Play resumes ticking after a pause.
func (c *Controller) Play() error { return c.send(command{op: opPlay}) }

// Seek moves the playhead and re-anchors the prefetch window at index. Valid
// while playing or paused; status is unchanged. Seeking to a failed index
// clears it, which refetches the frame.
func (c *Controller) Seek(index int) error {
	return c.send(command{op: opSeek, index: index})
}

// Snapshot returns the current playback state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Done returns a channel closed when the current session's run loop exits,
// whether by Stop or by reaching the last frame without loop. Returns a
// closed channel when nothing was started.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

func (c *Controller) send(cmd command) error {
	c.mu.Lock()
	cmds, done := c.cmds, c.done
	c.mu.Unlock()
	if cmds == nil {
		return ErrStopped
	}

	cmd.reply = make(chan error, 1)
	select {
	case cmds <- cmd:
		return <-cmd.reply
	case <-done:
		return ErrStopped
	}
}

func (c *Controller) publish(status Status, index int) {
	c.mu.Lock()
	c.snap.Status = status
	c.snap.CurrentIndex = index
	c.mu.Unlock()
}

func (c *Controller) emitError(fe FrameError) {
	select {
	case c.errs <- fe:
	default:
		c.log.Warnf("Error channel full, dropping: %v", fe)
	}
}

func (c *Controller) run(ctx context.Context, done chan struct{}, cmds chan command, m *models.SequenceManifest, opts Options, fps float64, gen uint64) {
	defer close(done)

	depth := opts.PrefetchDepth
	if depth < 1 {
		depth = 1
	}

	results := make(chan prefetch.Result, depth+1)
	sched := prefetch.New(c.fetcher, c.log, results, prefetch.Options{
		Depth: depth,
		Fetch: opts.Fetch,
	})
	sched.Reset(m, gen)
	sched.Advance(0)

	interval := time.Duration(float64(time.Second) / fps)
	if interval <= 0 {
		// NewTicker panics on a non-positive interval; a manifest fps large
		// enough to round the interval down to zero must not crash the loop.
		interval = time.Nanosecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	status := StatusPlaying
	idx := 0
	last := len(m.Frames) - 1

	// Invalidate anything still in flight and leave the window empty.
	teardown := func() {
		sched.Reset(nil, c.generation.Add(1))
		status = StatusStopped
		c.publish(status, idx)
	}

	for {
		select {
		case <-ctx.Done():
			teardown()
			c.log.Infof("Playback of sequence %s stopped at frame %d", m.SequenceID, idx)
			return

		case cmd := <-cmds:
			switch cmd.op {
			case opPause:
				if status == StatusPlaying {
					status = StatusPaused
					c.publish(status, idx)
					c.log.Debugf("Paused at frame %d", idx)
				}
				cmd.reply <- nil

			case opPlay:
				if status == StatusPaused {
					status = StatusPlaying
					c.publish(status, idx)
					c.log.Debugf("Resumed at frame %d", idx)
				}
				cmd.reply <- nil

			case opSeek:
				if cmd.index < 0 || cmd.index >= len(m.Frames) {
					cmd.reply <- fmt.Errorf("seek index %d out of range [0, %d)", cmd.index, len(m.Frames))
					continue
				}
				sched.ClearFailed(cmd.index)
				idx = cmd.index
				sched.Advance(idx)
				c.publish(status, idx)
				c.log.Debugf("Seeked to frame %d", idx)
				cmd.reply <- nil
			}

		case r := <-results:
			if err := sched.HandleResult(r); err != nil {
				fe := FrameError{Index: r.Index, Err: err}
				if r.Index < len(m.Frames) {
					fe.FrameID = m.Frames[r.Index].ID
				}
				c.log.Warnf("Frame %d failed: %v", r.Index, err)
				c.emitError(fe)
			}

		case <-ticker.C:
			if status != StatusPlaying {
				continue
			}

			state, frame, _ := sched.Peek(idx)
			if state != prefetch.SlotReady {
				// Not available yet, or failed and awaiting the caller's
				// decision: hold at the current index. Backpressure comes
				// for free.
				continue
			}

			select {
			case c.frames <- frame:
			default:
				// Consumer hasn't drained the previous frame; hold.
				continue
			}
			sched.Take(idx)

			if idx == last {
				if opts.Loop {
					idx = 0
					sched.Advance(idx)
					c.publish(status, idx)
					continue
				}
				teardown()
				c.log.Infof("Playback of sequence %s finished after %d frames", m.SequenceID, len(m.Frames))
				return
			}

			idx++
			sched.Advance(idx)
			c.publish(status, idx)
		}
	}
}
