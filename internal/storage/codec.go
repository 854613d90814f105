package storage

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeFloat32s serializes a float32 slice to little-endian bytes.
func EncodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func DecodeFloat32s(b []byte) ([]float32, error) {
	return DecodeFloat32sInto(nil, b)
}

// DecodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during scans.
func DecodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}
