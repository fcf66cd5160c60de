// Package backendtest provides a recording Backend for tests.
package backendtest

import (
	"context"
	"sync"

	"github.com/houzhh15/transcribex/internal/audio"
	"github.com/houzhh15/transcribex/internal/backend"
	"github.com/houzhh15/transcribex/internal/hardware"
)

// FakeBackend is a test double built on the echo engine. Preset errors make
// individual operations fail; every call is recorded for assertions.
type FakeBackend struct {
	*backend.EchoBackend

	// LoadErrors fails Load for the listed devices.
	LoadErrors map[hardware.Device]error
	// TranscribeErrAt fails the Nth Transcribe call (1-based); 0 disables.
	TranscribeErrAt int
	TranscribeErr   error
	AlignErr        error
	// AlignNil makes Align return no result and no error.
	AlignNil bool
	LoadAlignerErr  error
	DiarizeErr      error
	LoadDiarizerErr error
	// Languages, when set, is reported by successive Transcribe calls.
	Languages []string
	// OnTranscribe runs before each Transcribe call.
	OnTranscribe func(call int)

	mu                  sync.Mutex
	LoadCalls           []backend.LoadOptions
	AlignerLoads        []string
	DiarizerCredentials []string
	TranscribeCalls     int
	AlignCalls          int
	DiarizeCalls        int
	Released            []backend.Handle
}

// New returns a FakeBackend with no preset failures.
func New() *FakeBackend {
	return &FakeBackend{EchoBackend: backend.NewEchoBackend(nil)}
}

func (f *FakeBackend) Name() string { return "fake" }

func (f *FakeBackend) Load(ctx context.Context, opts backend.LoadOptions) (backend.Handle, error) {
	f.mu.Lock()
	f.LoadCalls = append(f.LoadCalls, opts)
	err := f.LoadErrors[opts.Device]
	f.mu.Unlock()
	if err != nil {
		return backend.Handle{}, err
	}
	return f.EchoBackend.Load(ctx, opts)
}

func (f *FakeBackend) LoadAligner(ctx context.Context, language string, device hardware.Device) (backend.Handle, error) {
	f.mu.Lock()
	f.AlignerLoads = append(f.AlignerLoads, language)
	err := f.LoadAlignerErr
	f.mu.Unlock()
	if err != nil {
		return backend.Handle{}, err
	}
	return f.EchoBackend.LoadAligner(ctx, language, device)
}

func (f *FakeBackend) LoadDiarizer(ctx context.Context, credential string, device hardware.Device) (backend.Handle, error) {
	f.mu.Lock()
	f.DiarizerCredentials = append(f.DiarizerCredentials, credential)
	err := f.LoadDiarizerErr
	f.mu.Unlock()
	if err != nil {
		return backend.Handle{}, err
	}
	return f.EchoBackend.LoadDiarizer(ctx, credential, device)
}

func (f *FakeBackend) Transcribe(ctx context.Context, h backend.Handle, buf *audio.Buffer, opts backend.TranscribeOptions) (*backend.StageResult, error) {
	f.mu.Lock()
	f.TranscribeCalls++
	call := f.TranscribeCalls
	hook := f.OnTranscribe
	failNow := f.TranscribeErr != nil && (f.TranscribeErrAt == 0 || f.TranscribeErrAt == call)
	err := f.TranscribeErr
	var lang string
	if len(f.Languages) > 0 {
		lang = f.Languages[min(call, len(f.Languages))-1]
	}
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if failNow {
		return nil, err
	}
	res, rerr := f.EchoBackend.Transcribe(ctx, h, buf, opts)
	if rerr == nil && lang != "" {
		res.Language = lang
	}
	return res, rerr
}

func (f *FakeBackend) Align(ctx context.Context, h backend.Handle, result *backend.StageResult, buf *audio.Buffer) (*backend.StageResult, error) {
	f.mu.Lock()
	f.AlignCalls++
	err, none := f.AlignErr, f.AlignNil
	f.mu.Unlock()
	if err != nil || none {
		return nil, err
	}
	return f.EchoBackend.Align(ctx, h, result, buf)
}

func (f *FakeBackend) Diarize(ctx context.Context, h backend.Handle, buf *audio.Buffer, opts backend.DiarizeOptions) (*backend.Diarization, error) {
	f.mu.Lock()
	f.DiarizeCalls++
	err := f.DiarizeErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.EchoBackend.Diarize(ctx, h, buf, opts)
}

func (f *FakeBackend) Release(ctx context.Context, h backend.Handle) error {
	f.mu.Lock()
	f.Released = append(f.Released, h)
	f.mu.Unlock()
	return f.EchoBackend.Release(ctx, h)
}
