package audio

import (
	"errors"
	"fmt"
	"io"

	"github.com/mewkiz/flac"
)

// DecodeFLAC decodes a FLAC stream into a mono 16 kHz buffer.
func DecodeFLAC(r io.Reader) (*Buffer, error) {
	stream, err := flac.New(r)
	if err != nil {
		return nil, fmt.Errorf("open flac stream: %w", err)
	}
	defer stream.Close()

	info := stream.Info
	channels := int(info.NChannels)
	scale := float32(int64(1) << (info.BitsPerSample - 1))

	interleaved := make([]float32, 0, int(info.NSamples)*channels)
	for {
		f, err := stream.ParseNext()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse flac frame: %w", err)
		}
		blockSize := int(f.BlockSize)
		for i := 0; i < blockSize; i++ {
			for c := 0; c < channels; c++ {
				interleaved = append(interleaved, float32(f.Subframes[c].Samples[i])/scale)
			}
		}
	}

	mono := Downmix(interleaved, channels)
	return NewBuffer(Resample(mono, int(info.SampleRate), SampleRate)), nil
}
