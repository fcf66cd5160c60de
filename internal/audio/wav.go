package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

// ErrUnsupportedFormat is returned for inputs no decoder accepts.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

type wavFormat struct {
	audioFormat   uint16
	channels      int
	sampleRate    int
	bitsPerSample int
}

// DecodeWAV reads a RIFF/WAVE stream (PCM 16/24/32-bit or float32) and returns
// it downmixed to mono and resampled to SampleRate.
func DecodeWAV(r io.Reader) (*Buffer, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: not a RIFF/WAVE stream", ErrUnsupportedFormat)
	}

	var format *wavFormat
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: missing data chunk", ErrUnsupportedFormat)
			}
			return nil, err
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			f, err := parseFmt(body)
			if err != nil {
				return nil, err
			}
			format = f
		case "data":
			if format == nil {
				return nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrUnsupportedFormat)
			}
			return decodeData(io.LimitReader(r, size), format)
		default:
			// chunks are word aligned
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return nil, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
		if id == "fmt " && size%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return nil, err
			}
		}
	}
}

func parseFmt(body []byte) (*wavFormat, error) {
	if len(body) < 16 {
		return nil, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedFormat)
	}
	f := &wavFormat{
		audioFormat:   binary.LittleEndian.Uint16(body[0:2]),
		channels:      int(binary.LittleEndian.Uint16(body[2:4])),
		sampleRate:    int(binary.LittleEndian.Uint32(body[4:8])),
		bitsPerSample: int(binary.LittleEndian.Uint16(body[14:16])),
	}
	if f.audioFormat == wavFormatExtensible && len(body) >= 26 {
		f.audioFormat = binary.LittleEndian.Uint16(body[24:26])
	}
	if f.channels < 1 || f.sampleRate < 1 {
		return nil, fmt.Errorf("%w: %d channels at %d Hz", ErrUnsupportedFormat, f.channels, f.sampleRate)
	}
	switch {
	case f.audioFormat == wavFormatPCM && (f.bitsPerSample == 16 || f.bitsPerSample == 24 || f.bitsPerSample == 32):
	case f.audioFormat == wavFormatFloat && f.bitsPerSample == 32:
	default:
		return nil, fmt.Errorf("%w: wav format %d with %d bits", ErrUnsupportedFormat, f.audioFormat, f.bitsPerSample)
	}
	return f, nil
}

func decodeData(r io.Reader, f *wavFormat) (*Buffer, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read data chunk: %w", err)
	}
	width := f.bitsPerSample / 8
	frameSize := width * f.channels
	frames := len(data) / frameSize

	interleaved := make([]float32, frames*f.channels)
	for i := range interleaved {
		p := data[i*width : (i+1)*width]
		switch {
		case f.audioFormat == wavFormatFloat:
			interleaved[i] = math.Float32frombits(binary.LittleEndian.Uint32(p))
		case width == 2:
			interleaved[i] = float32(int16(binary.LittleEndian.Uint16(p))) / 32768
		case width == 3:
			v := int32(p[0]) | int32(p[1])<<8 | int32(int8(p[2]))<<16
			interleaved[i] = float32(v) / (1 << 23)
		case width == 4:
			interleaved[i] = float32(int32(binary.LittleEndian.Uint32(p))) / (1 << 31)
		}
	}

	mono := Downmix(interleaved, f.channels)
	return NewBuffer(Resample(mono, f.sampleRate, SampleRate)), nil
}
