package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointstreamd/internal/config"
	"pointstreamd/internal/fetch"
	"pointstreamd/internal/logger"
)

func rawPoints(n int) []byte {
	out := make([]byte, n*12)
	for i := 0; i < n*3; i++ {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(i)))
	}
	return out
}

func newDataServer(t *testing.T, frames int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/manifest.json"):
			m := map[string]interface{}{
				"version":    "1.0",
				"sequenceId": "seq",
				"fps":        50,
			}
			var refs []map[string]interface{}
			for i := 0; i < frames; i++ {
				refs = append(refs, map[string]interface{}{
					"id":   fmt.Sprintf("%06d", i),
					"urls": map[string]string{"points": fmt.Sprintf("frames/%06d.bin", i)},
				})
			}
			m["frames"] = refs
			json.NewEncoder(w).Encode(m)
		case strings.Contains(r.URL.Path, "/frames/"):
			w.Write(rawPoints(2))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newManager(t *testing.T, baseURL string) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.Network.RetryBackoffMS = nil
	cfg.Network.ManifestRetryBackoffMS = nil
	cfg.Sequences = []config.Sequence{{ID: "seq", BaseURL: baseURL}}

	fetcher := fetch.NewFetcher(&http.Client{}, logger.Nop{}, "")
	m := NewManager(logger.Nop{}, cfg, fetcher)
	t.Cleanup(m.Stop)
	return m
}

func TestManagerCreateAndConsume(t *testing.T) {
	server := newDataServer(t, 3)
	m := newManager(t, server.URL)

	loop := true
	s, err := m.Create(context.Background(), StartRequest{SequenceID: "seq", Loop: &loop})
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)
	assert.Equal(t, "seq", s.SequenceID)
	assert.Len(t, s.Manifest.Frames, 3)

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	// The consume goroutine keeps the current frame fresh.
	require.Eventually(t, func() bool {
		return s.CurrentFrame() != nil
	}, 5*time.Second, 10*time.Millisecond)

	info := s.Info()
	assert.Equal(t, s.ID, info.ID)
	assert.Equal(t, "playing", info.Status)
	assert.Equal(t, 3, info.FrameCount)
	assert.Greater(t, info.FramesConsumed, 0)
	assert.Empty(t, info.LastError)
}

func TestManagerCreateUnknownSequence(t *testing.T) {
	server := newDataServer(t, 3)
	m := newManager(t, server.URL)

	_, err := m.Create(context.Background(), StartRequest{SequenceID: "nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownSequence)
	assert.Contains(t, err.Error(), "not configured")
	assert.Empty(t, m.List())
}

func TestManagerCreateManifestFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)
	m := newManager(t, server.URL)

	_, err := m.Create(context.Background(), StartRequest{SequenceID: "seq"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start session")
	assert.Empty(t, m.List())
}

func TestManagerRemove(t *testing.T) {
	server := newDataServer(t, 3)
	m := newManager(t, server.URL)

	loop := true
	s, err := m.Create(context.Background(), StartRequest{SequenceID: "seq", Loop: &loop})
	require.NoError(t, err)

	assert.True(t, m.Remove(s.ID))
	assert.False(t, m.Remove(s.ID))
	_, ok := m.Get(s.ID)
	assert.False(t, ok)

	// Remove stops playback.
	select {
	case <-s.Controller.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("controller still running after Remove")
	}
}

func TestManagerStopAll(t *testing.T) {
	server := newDataServer(t, 3)
	m := newManager(t, server.URL)

	loop := true
	a, err := m.Create(context.Background(), StartRequest{SequenceID: "seq", Loop: &loop})
	require.NoError(t, err)
	b, err := m.Create(context.Background(), StartRequest{SequenceID: "seq", Loop: &loop})
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)

	m.Stop()
	assert.Empty(t, m.List())
	for _, s := range []*Session{a, b} {
		select {
		case <-s.Controller.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("controller still running after Stop")
		}
	}
}
