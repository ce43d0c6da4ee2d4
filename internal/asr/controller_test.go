package asr

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeStream feeds scripted results and records sent chunks.
type fakeStream struct {
	mu     sync.Mutex
	sent   [][]byte
	recvCh chan recvItem
	closed bool
}

type recvItem struct {
	res Result
	err error
}

func newFakeStream() *fakeStream {
	return &fakeStream{recvCh: make(chan recvItem, 16)}
}

func (f *fakeStream) Send(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeStream) Recv() (Result, error) {
	item, ok := <-f.recvCh
	if !ok {
		return Result{}, io.EOF
	}
	return item.res, item.err
}

func (f *fakeStream) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeFactory struct {
	mu      sync.Mutex
	streams []*fakeStream
	openErr error
}

func (f *fakeFactory) Open(ctx context.Context) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := newFakeStream()
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeFactory) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.streams) {
		return nil
	}
	return f.streams[i]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestClassifyFault(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want faultKind
	}{
		{"silence long duration", status.Error(codes.OutOfRange, "Audio Timeout Error: Long duration elapsed without audio."), faultSilence},
		{"no audio", errors.New("no audio received for 10s"), faultSilence},
		{"out of range duration", status.Error(codes.OutOfRange, "Exceeded maximum allowed stream duration of 305 seconds."), faultTimeout},
		{"deadline exceeded", status.Error(codes.DeadlineExceeded, "deadline exceeded"), faultTimeout},
		{"duration message", errors.New("maximum allowed stream duration reached"), faultTimeout},
		{"eof", io.EOF, faultTimeout},
		{"permission denied", status.Error(codes.PermissionDenied, "denied"), faultFatal},
		{"plain error", errors.New("boom"), faultFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyFault(tt.err))
		})
	}
}

func TestResultsDelivered(t *testing.T) {
	f := &fakeFactory{}
	var mu sync.Mutex
	var got []Result
	c := NewController(f, Config{}, Callbacks{
		OnResult: func(r Result) {
			mu.Lock()
			got = append(got, r)
			mu.Unlock()
		},
	})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	s := f.stream(0)
	s.recvCh <- recvItem{res: Result{Text: "hello", IsFinal: false}}
	s.recvCh <- recvItem{res: Result{Text: "hello world", IsFinal: true}}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	assert.Equal(t, "hello world", got[1].Text)
	assert.True(t, got[1].IsFinal)
	mu.Unlock()
}

func TestWriteAudioValidation(t *testing.T) {
	f := &fakeFactory{}
	c := NewController(f, Config{}, Callbacks{})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	big := make([]byte, 1<<20+1)
	assert.ErrorIs(t, c.WriteAudio(big), ErrChunkTooLarge)

	// 2MB/s rate limit: three 1MB chunks in one window trip it.
	chunk := make([]byte, 1<<20)
	require.NoError(t, c.WriteAudio(chunk))
	require.NoError(t, c.WriteAudio(chunk))
	assert.ErrorIs(t, c.WriteAudio(chunk), ErrRateLimited)
}

func TestTimeoutRestartCountedAndAudioResumes(t *testing.T) {
	f := &fakeFactory{}
	restarted := make(chan struct{}, 1)
	c := NewController(f, Config{}, Callbacks{
		OnRestart: func() { restarted <- struct{}{} },
	})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	// Stream dies with a duration fault.
	s0 := f.stream(0)
	s0.recvCh <- recvItem{err: status.Error(codes.OutOfRange, "Exceeded maximum allowed stream duration of 305 seconds.")}

	waitFor(t, func() bool { return f.count() == 2 })
	<-restarted
	assert.Equal(t, 1, c.RestartAttempts())

	// Audio written after restart flows into the new stream.
	require.NoError(t, c.WriteAudio([]byte{1, 2, 3}))
	waitFor(t, func() bool { return f.stream(1).sentCount() == 1 })
}

func TestSilenceRestartNotCounted(t *testing.T) {
	f := &fakeFactory{}
	c := NewController(f, Config{}, Callbacks{})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	s0 := f.stream(0)
	s0.recvCh <- recvItem{err: status.Error(codes.OutOfRange, "Long duration elapsed without audio.")}

	waitFor(t, func() bool { return f.count() == 2 })
	assert.Equal(t, 0, c.RestartAttempts())
}

func TestBufferBoundedDuringRestart(t *testing.T) {
	f := &fakeFactory{}
	c := NewController(f, Config{MaxBufferedChunks: 3}, Callbacks{})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	// Force the restarting state and hold it by blocking the factory.
	f.mu.Lock()
	f.openErr = errors.New("hold")
	f.mu.Unlock()

	c.restart(false, "test")
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.stream == nil
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, c.WriteAudio([]byte{byte(i)}))
	}
	c.mu.Lock()
	buffered := len(c.pending)
	c.mu.Unlock()
	assert.Equal(t, 3, buffered, "buffer drops newest beyond the cap")
}

func TestFatalOnMaxRestarts(t *testing.T) {
	f := &fakeFactory{}
	fatal := make(chan error, 1)
	c := NewController(f, Config{MaxRestartAttempts: 2}, Callbacks{
		OnFatal: func(err error) { fatal <- err },
	})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	for i := 0; ; i++ {
		waitFor(t, func() bool { return f.count() >= i+1 })
		s := f.stream(i)
		select {
		case s.recvCh <- recvItem{err: status.Error(codes.OutOfRange, "maximum allowed stream duration")}:
		case err := <-fatal:
			assert.ErrorIs(t, err, ErrMaxRestarts)
			return
		}
		select {
		case err := <-fatal:
			assert.ErrorIs(t, err, ErrMaxRestarts)
			return
		case <-time.After(200 * time.Millisecond):
		}
		if i > 4 {
			t.Fatal("fatal never fired")
		}
	}
}

func TestFatalSurfacedForOtherErrors(t *testing.T) {
	f := &fakeFactory{}
	fatal := make(chan error, 1)
	c := NewController(f, Config{}, Callbacks{
		OnFatal: func(err error) { fatal <- err },
	})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	f.stream(0).recvCh <- recvItem{err: status.Error(codes.PermissionDenied, "denied")}
	select {
	case err := <-fatal:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("fatal not surfaced")
	}
	assert.Equal(t, 1, f.count(), "no restart for non-recoverable errors")
}

func TestProactiveRestartTimer(t *testing.T) {
	f := &fakeFactory{}
	restarted := make(chan struct{}, 1)
	c := NewController(f, Config{RestartInterval: 50 * time.Millisecond}, Callbacks{
		OnRestart: func() { restarted <- struct{}{} },
	})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("proactive restart did not fire")
	}
	assert.Equal(t, 0, c.RestartAttempts(), "proactive restarts are not faults")
	assert.GreaterOrEqual(t, f.count(), 2)
}
