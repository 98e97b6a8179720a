package models

import (
	"encoding/json"
	"time"
)

// FrameURLs holds the data locations for a single frame. Points is required;
// GT and Det are optional. Det maps a branch identifier to the URL of that
// branch's detection payload.
type FrameURLs struct {
	Points string            `json:"points"`
	GT     string            `json:"gt,omitempty"`
	Det    map[string]string `json:"det,omitempty"`
}

// FrameRef describes one frame of a sequence. It is never mutated after the
// manifest is parsed.
type FrameRef struct {
	// ID is the unique frame key within the sequence, e.g. "000042".
	ID string `json:"id"`
	// TS is an optional capture timestamp in seconds.
	TS float64 `json:"ts,omitempty"`
	// PointCount is optional advisory metadata; the binary payload is
	// authoritative.
	PointCount int       `json:"pointCount,omitempty"`
	URLs       FrameURLs `json:"urls"`
}

// SequenceManifest is the ordered, versioned description of a frame sequence
// and its data URLs. Immutable once loaded; the position of a FrameRef in
// Frames is its playback index.
type SequenceManifest struct {
	Version    string            `json:"version"`
	SequenceID string            `json:"sequenceId"`
	// FPS is the target playback rate in frames per second.
	FPS float64 `json:"fps"`
	// ClassMap maps detection class IDs to names. Passthrough.
	ClassMap map[string]string `json:"classMap,omitempty"`
	// Branches lists the algorithm-variant identifiers available for
	// detections, in presentation order.
	Branches []string   `json:"branches,omitempty"`
	Frames   []FrameRef `json:"frames"`
}

// DecodedFrame is a fully fetched and decoded frame. It is owned by the
// prefetch window slot that produced it until it is emitted to a consumer;
// after that the consumer owns it exclusively and the pipeline never touches
// it again.
type DecodedFrame struct {
	// Index is the position of this frame in the manifest's Frames list.
	Index int
	// Ref is the manifest descriptor this frame was fetched from.
	Ref FrameRef
	// Positions is a flat little-endian float32 position buffer of length
	// PointCount*3, laid out x,y,z per point.
	Positions  []float32
	PointCount int
	// GroundTruth is the raw gt payload, nil if absent or its fetch failed.
	GroundTruth json.RawMessage
	// Detections holds the raw per-branch detection payloads. A branch with
	// no URL in the manifest, or whose fetch failed, is simply missing.
	Detections map[string]json.RawMessage
	// FetchedAt records when the frame became ready, for staleness and
	// ordering diagnostics.
	FetchedAt time.Time
}
