package manifest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointstreamd/internal/fetch"
	"pointstreamd/internal/logger"
)

const validManifest = `{
	"version": "1.0",
	"sequenceId": "v_1784_1828",
	"fps": 10,
	"classMap": {"vehicle": "0", "pedestrian": "1", "cyclist": "2"},
	"branches": ["baseline", "adaptive"],
	"frames": [
		{"id": "000000", "pointCount": 100000, "urls": {
			"points": "frames/000000.bin",
			"gt": "000000.gt.json",
			"det": {"baseline": "000000.det.baseline.json", "adaptive": "000000.det.adaptive.json"}
		}},
		{"id": "000001", "urls": {"points": "frames/000001.bin"}}
	]
}`

func newTestLoader(t *testing.T, body string, status int) (*Loader, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v_1784_1828/manifest.json" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(server.Close)

	fetcher := fetch.NewFetcher(&http.Client{}, logger.Nop{}, "")
	loader := NewLoader(fetcher, logger.Nop{}, server.URL, fetch.Options{Timeout: time.Second})
	return loader, server
}

func TestLoad_ValidManifest(t *testing.T) {
	loader, server := newTestLoader(t, validManifest, http.StatusOK)

	m, err := loader.Load(context.Background(), "v_1784_1828")
	require.NoError(t, err)

	assert.Equal(t, "1.0", m.Version)
	assert.Equal(t, "v_1784_1828", m.SequenceID)
	assert.Equal(t, 10.0, m.FPS)
	assert.Equal(t, []string{"baseline", "adaptive"}, m.Branches)
	assert.Equal(t, "0", m.ClassMap["vehicle"])
	require.Len(t, m.Frames, 2)

	// Relative URLs must be resolved against the manifest location.
	base := server.URL + "/v_1784_1828/"
	assert.Equal(t, base+"frames/000000.bin", m.Frames[0].URLs.Points)
	assert.Equal(t, base+"000000.gt.json", m.Frames[0].URLs.GT)
	assert.Equal(t, base+"000000.det.adaptive.json", m.Frames[0].URLs.Det["adaptive"])
	assert.Equal(t, base+"frames/000001.bin", m.Frames[1].URLs.Points)
}

func TestLoad_PreservesFrameOrder(t *testing.T) {
	body := `{"version":"1","sequenceId":"v_1784_1828","fps":5,"frames":[
		{"id":"z","urls":{"points":"z.bin"}},
		{"id":"a","urls":{"points":"a.bin"}},
		{"id":"m","urls":{"points":"m.bin"}}
	]}`
	loader, _ := newTestLoader(t, body, http.StatusOK)

	m, err := loader.Load(context.Background(), "v_1784_1828")
	require.NoError(t, err)

	ids := []string{m.Frames[0].ID, m.Frames[1].ID, m.Frames[2].ID}
	assert.Equal(t, []string{"z", "a", "m"}, ids)
}

func TestLoad_MalformedJSON(t *testing.T) {
	loader, _ := newTestLoader(t, "{not json", http.StatusOK)

	_, err := loader.Load(context.Background(), "v_1784_1828")
	var invalidErr *InvalidManifestError
	require.ErrorAs(t, err, &invalidErr)
	assert.Contains(t, invalidErr.Reason, "malformed JSON")
}

func TestLoad_StructuralValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing version", `{"sequenceId":"s","fps":10,"frames":[{"id":"0","urls":{"points":"p.bin"}}]}`},
		{"missing sequenceId", `{"version":"1","fps":10,"frames":[{"id":"0","urls":{"points":"p.bin"}}]}`},
		{"zero fps", `{"version":"1","sequenceId":"s","fps":0,"frames":[{"id":"0","urls":{"points":"p.bin"}}]}`},
		{"empty frames", `{"version":"1","sequenceId":"s","fps":10,"frames":[]}`},
		{"frame without points", `{"version":"1","sequenceId":"s","fps":10,"frames":[{"id":"0","urls":{}}]}`},
		{"frame without id", `{"version":"1","sequenceId":"s","fps":10,"frames":[{"urls":{"points":"p.bin"}}]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			loader, _ := newTestLoader(t, tc.body, http.StatusOK)
			_, err := loader.Load(context.Background(), "v_1784_1828")
			var invalidErr *InvalidManifestError
			assert.ErrorAs(t, err, &invalidErr)
		})
	}
}

func TestLoad_ErrorStatus(t *testing.T) {
	loader, _ := newTestLoader(t, "gone", http.StatusNotFound)

	_, err := loader.Load(context.Background(), "v_1784_1828")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}
