package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"pointstreamd/internal/fetch"
	"pointstreamd/internal/logger"
	"pointstreamd/internal/models"
)

// InvalidManifestError reports a manifest that fetched fine but is
// structurally unusable. Fatal to the calling session; never retried beyond
// the fetch-level retries already applied.
type InvalidManifestError struct {
	SequenceID string
	Reason     string
}

func (e *InvalidManifestError) Error() string {
	return fmt.Sprintf("invalid manifest for sequence %s: %s", e.SequenceID, e.Reason)
}

// Loader fetches and validates sequence manifests.
type Loader struct {
	fetcher *fetch.Fetcher
	log     logger.Logger
	baseURL string
	opts    fetch.Options
}

// NewLoader creates a loader rooted at baseURL. opts is the manifest-specific
// timeout/retry configuration.
func NewLoader(fetcher *fetch.Fetcher, log logger.Logger, baseURL string, opts fetch.Options) *Loader {
	return &Loader{
		fetcher: fetcher,
		log:     log,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		opts:    opts,
	}
}

// Load fetches {baseURL}/{sequenceID}/manifest.json, validates it and
// resolves all frame URLs against the manifest location. Frame order is
// preserved exactly as returned.
func (l *Loader) Load(ctx context.Context, sequenceID string) (*models.SequenceManifest, error) {
	manifestURL := fmt.Sprintf("%s/%s/manifest.json", l.baseURL, sequenceID)
	l.log.Debugf("Fetching manifest from %s", manifestURL)

	resp, err := l.fetcher.FetchWithRetry(ctx, manifestURL, l.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest for sequence %s: %w", sequenceID, err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("manifest fetch for sequence %s returned status %d", sequenceID, resp.StatusCode)
	}

	var m models.SequenceManifest
	if err := json.Unmarshal(resp.Body, &m); err != nil {
		return nil, &InvalidManifestError{SequenceID: sequenceID, Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}

	if err := validate(&m, sequenceID); err != nil {
		return nil, err
	}

	base, err := url.Parse(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest URL %s: %w", manifestURL, err)
	}
	if err := resolveFrameURLs(&m, base); err != nil {
		return nil, &InvalidManifestError{SequenceID: sequenceID, Reason: err.Error()}
	}

	l.checkBranchConsistency(&m)

	l.log.Infof("Loaded manifest for sequence %s: %d frames, %.3g fps, %d branches",
		m.SequenceID, len(m.Frames), m.FPS, len(m.Branches))
	return &m, nil
}

func validate(m *models.SequenceManifest, sequenceID string) error {
	fail := func(reason string) error {
		return &InvalidManifestError{SequenceID: sequenceID, Reason: reason}
	}

	if m.Version == "" {
		return fail("missing version")
	}
	if m.SequenceID == "" {
		return fail("missing sequenceId")
	}
	if m.FPS <= 0 {
		return fail(fmt.Sprintf("fps must be positive, got %g", m.FPS))
	}
	if len(m.Frames) == 0 {
		return fail("frames list is empty")
	}
	for i := range m.Frames {
		f := &m.Frames[i]
		if f.ID == "" {
			return fail(fmt.Sprintf("frame %d has no id", i))
		}
		if f.URLs.Points == "" {
			return fail(fmt.Sprintf("frame %d (%s) has no points URL", i, f.ID))
		}
	}
	return nil
}

// resolveFrameURLs rewrites every frame URL to an absolute URL relative to
// the manifest location, so the rest of the pipeline never needs the base.
func resolveFrameURLs(m *models.SequenceManifest, base *url.URL) error {
	resolve := func(ref string) (string, error) {
		u, err := url.Parse(ref)
		if err != nil {
			return "", fmt.Errorf("unparseable frame URL %q: %w", ref, err)
		}
		return base.ResolveReference(u).String(), nil
	}

	for i := range m.Frames {
		f := &m.Frames[i]
		var err error
		if f.URLs.Points, err = resolve(f.URLs.Points); err != nil {
			return err
		}
		if f.URLs.GT != "" {
			if f.URLs.GT, err = resolve(f.URLs.GT); err != nil {
				return err
			}
		}
		for branch, ref := range f.URLs.Det {
			resolved, err := resolve(ref)
			if err != nil {
				return err
			}
			f.URLs.Det[branch] = resolved
		}
	}
	return nil
}

// checkBranchConsistency warns when the top-level branches list disagrees
// with the det keys actually present on the first frame. The per-frame det
// map stays authoritative; a branch with no mapping simply has no
// detections.
func (l *Loader) checkBranchConsistency(m *models.SequenceManifest) {
	if len(m.Frames) == 0 || len(m.Frames[0].URLs.Det) == 0 {
		return
	}

	actual := make([]string, 0, len(m.Frames[0].URLs.Det))
	for branch := range m.Frames[0].URLs.Det {
		actual = append(actual, branch)
	}
	sort.Strings(actual)

	declared := append([]string(nil), m.Branches...)
	sort.Strings(declared)

	if len(actual) != len(declared) {
		l.log.Warnf("Manifest %s declares %d branches but frames carry %d det payloads", m.SequenceID, len(declared), len(actual))
		return
	}
	for i := range actual {
		if actual[i] != declared[i] {
			l.log.Warnf("Manifest %s branch list %v does not match frame det keys %v", m.SequenceID, declared, actual)
			return
		}
	}
}
