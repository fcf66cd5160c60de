// Package audio holds the immutable 16 kHz mono PCM buffer consumed by the
// pipeline and the decoders that produce it.
package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// SampleRate is the only rate the pipeline works with.
const SampleRate = 16000

// Buffer is an immutable sequence of mono float32 samples at SampleRate.
// A nil sample slice with n > 0 stands for n samples of silence.
type Buffer struct {
	samples []float32
	n       int
}

// NewBuffer wraps samples. The caller must not modify samples afterwards.
func NewBuffer(samples []float32) *Buffer {
	return &Buffer{samples: samples, n: len(samples)}
}

// Silence returns a zero-valued buffer of n samples without allocating them.
func Silence(n int) *Buffer {
	if n < 0 {
		n = 0
	}
	return &Buffer{n: n}
}

// Len returns the number of samples.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return b.n
}

// At returns sample i.
func (b *Buffer) At(i int) float32 {
	if b.samples == nil {
		return 0
	}
	return b.samples[i]
}

// Slice returns the half-open range [start, end) sharing the underlying storage.
func (b *Buffer) Slice(start, end int) (*Buffer, error) {
	if start < 0 || end > b.Len() || start > end {
		return nil, fmt.Errorf("slice [%d,%d) out of range for %d samples", start, end, b.Len())
	}
	if b.samples == nil {
		return Silence(end - start), nil
	}
	return &Buffer{samples: b.samples[start:end:end], n: end - start}, nil
}

// DurationSeconds returns the buffer length in seconds.
func (b *Buffer) DurationSeconds() float64 {
	return float64(b.Len()) / SampleRate
}

// DurationHours returns the buffer length in hours.
func (b *Buffer) DurationHours() float64 {
	return b.DurationSeconds() / 3600
}

// WriteWAV writes the buffer as a 16-bit PCM mono WAV stream.
func (b *Buffer) WriteWAV(w io.Writer) error {
	const bitsPerSample = 16
	dataSize := b.Len() * bitsPerSample / 8
	if err := writeWavHeader(w, SampleRate, 1, bitsPerSample, dataSize); err != nil {
		return err
	}

	chunk := make([]byte, 0, 8192)
	for i := 0; i < b.Len(); i++ {
		chunk = binary.LittleEndian.AppendUint16(chunk, uint16(floatToPCM16(b.At(i))))
		if len(chunk) == cap(chunk) {
			if _, err := w.Write(chunk); err != nil {
				return err
			}
			chunk = chunk[:0]
		}
	}
	if len(chunk) > 0 {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}

func floatToPCM16(v float32) int16 {
	s := math.Round(float64(v) * math.MaxInt16)
	if s > math.MaxInt16 {
		return math.MaxInt16
	}
	if s < math.MinInt16 {
		return math.MinInt16
	}
	return int16(s)
}

// writeWavHeader writes a canonical 44-byte PCM header.
func writeWavHeader(w io.Writer, sampleRate, channels, bitsPerSample, dataSize int) error {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	hdr := make([]byte, 0, 44)
	hdr = append(hdr, "RIFF"...)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(36+dataSize))
	hdr = append(hdr, "WAVE"...)
	hdr = append(hdr, "fmt "...)
	hdr = binary.LittleEndian.AppendUint32(hdr, 16)                    // Subchunk1Size
	hdr = binary.LittleEndian.AppendUint16(hdr, 1)                     // PCM
	hdr = binary.LittleEndian.AppendUint16(hdr, uint16(channels))      // NumChannels
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(sampleRate))    // SampleRate
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(byteRate))      // ByteRate
	hdr = binary.LittleEndian.AppendUint16(hdr, uint16(blockAlign))    // BlockAlign
	hdr = binary.LittleEndian.AppendUint16(hdr, uint16(bitsPerSample)) // BitsPerSample
	hdr = append(hdr, "data"...)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(dataSize))
	_, err := w.Write(hdr)
	return err
}
