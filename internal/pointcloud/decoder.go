package pointcloud

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Quantization modes carried in the first byte of a quantized payload header.
const (
	ModeInt16 = 0
	ModeFP16  = 1
)

const (
	// HeaderSize is the fixed size of the quantized payload header:
	// 1 mode byte, two 3-float32 bbox vectors, one uint32 point count.
	HeaderSize = 29

	bytesPerRawPoint       = 12 // 3 x float32
	bytesPerQuantizedPoint = 6  // 3 x int16 or fp16
)

// AlignmentError reports an unheadered buffer whose length is not a whole
// number of 12-byte points.
type AlignmentError struct {
	Length int
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("point buffer length %d is not a multiple of %d", e.Length, bytesPerRawPoint)
}

// TruncatedDataError reports a quantized payload shorter than its header's
// declared point count requires.
type TruncatedDataError struct {
	Expected int
	Actual   int
}

func (e *TruncatedDataError) Error() string {
	return fmt.Sprintf("quantized point data truncated: header requires %d bytes, got %d", e.Expected, e.Actual)
}

// UnsupportedModeError reports an unknown quantization mode byte.
type UnsupportedModeError struct {
	Mode byte
}

func (e *UnsupportedModeError) Error() string {
	return fmt.Sprintf("unsupported quantization mode %d", e.Mode)
}

// PointCloud is a decoded flat position buffer. Positions has length
// PointCount*3, laid out x,y,z per point. Ownership transfers to the caller;
// the decoder retains no reference.
type PointCloud struct {
	PointCount int
	Positions  []float32
}

// Decode decodes a frame point payload in either wire format. A quantized
// payload is HeaderSize+pointCount*6 bytes, which is always odd, so a buffer
// whose length is a multiple of 12 is unambiguously the raw float32 format.
// Pure function: identical inputs always produce identical outputs.
func Decode(buf []byte) (*PointCloud, error) {
	if len(buf)%bytesPerRawPoint == 0 {
		return DecodeRaw(buf)
	}
	if len(buf) >= HeaderSize {
		return DecodeQuantized(buf[:HeaderSize], buf[HeaderSize:])
	}
	return nil, &AlignmentError{Length: len(buf)}
}

// DecodeRaw decodes an unheadered buffer of little-endian float32 triples.
func DecodeRaw(data []byte) (*PointCloud, error) {
	if len(data)%bytesPerRawPoint != 0 {
		return nil, &AlignmentError{Length: len(data)}
	}

	count := len(data) / bytesPerRawPoint
	positions := make([]float32, count*3)
	for i := range positions {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		positions[i] = math.Float32frombits(bits)
	}

	return &PointCloud{PointCount: count, Positions: positions}, nil
}

// DecodeQuantized decodes a quantized payload. The header holds the mode
// byte, the bounding box used for dequantization and the point count; data
// holds pointCount*6 bytes of little-endian int16 or fp16 triples. The
// header buffer is never modified.
func DecodeQuantized(header, data []byte) (*PointCloud, error) {
	if len(header) < HeaderSize {
		return nil, &TruncatedDataError{Expected: HeaderSize, Actual: len(header)}
	}

	mode := header[0]
	if mode != ModeInt16 && mode != ModeFP16 {
		return nil, &UnsupportedModeError{Mode: mode}
	}

	var bboxMin, bboxMax [3]float32
	for axis := 0; axis < 3; axis++ {
		bboxMin[axis] = math.Float32frombits(binary.LittleEndian.Uint32(header[1+axis*4:]))
		bboxMax[axis] = math.Float32frombits(binary.LittleEndian.Uint32(header[13+axis*4:]))
	}
	count := int(binary.LittleEndian.Uint32(header[25:]))

	need := count * bytesPerQuantizedPoint
	if len(data) < need {
		return nil, &TruncatedDataError{Expected: need, Actual: len(data)}
	}

	positions := make([]float32, count*3)
	for i := 0; i < count*3; i++ {
		raw := binary.LittleEndian.Uint16(data[i*2:])

		// Normalized value in [-1, 1], then rescaled into the bbox.
		var n float32
		if mode == ModeInt16 {
			n = float32(int16(raw)) / 32767.0
		} else {
			n = float16.Frombits(raw).Float32()
		}

		axis := i % 3
		positions[i] = bboxMin[axis] + (n+1)/2*(bboxMax[axis]-bboxMin[axis])
	}

	return &PointCloud{PointCount: count, Positions: positions}, nil
}

// EncodeRaw serializes a flat position buffer back into the unheadered
// little-endian float32 wire format.
func EncodeRaw(positions []float32) []byte {
	out := make([]byte, len(positions)*4)
	for i, p := range positions {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(p))
	}
	return out
}
