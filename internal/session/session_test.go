package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikesibiu/BudgetTranslate/internal/config"
	"github.com/mikesibiu/BudgetTranslate/internal/pipeline"
)

// blockingTranslator holds every MT call until released.
type blockingTranslator struct {
	mu      sync.Mutex
	gate    chan struct{}
	calls   []string
	maxBusy int
	busy    int
}

func newBlockingTranslator() *blockingTranslator {
	return &blockingTranslator{gate: make(chan struct{})}
}

func (b *blockingTranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	b.mu.Lock()
	b.calls = append(b.calls, text)
	b.busy++
	if b.busy > b.maxBusy {
		b.maxBusy = b.busy
	}
	b.mu.Unlock()

	select {
	case <-b.gate:
	case <-ctx.Done():
	}

	b.mu.Lock()
	b.busy--
	b.mu.Unlock()
	return "translated: " + text, nil
}

func (b *blockingTranslator) release() {
	close(b.gate)
}

func (b *blockingTranslator) callTexts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]string(nil), b.calls...)
	return out
}

// recordingEmitter captures emitted events.
type recordingEmitter struct {
	mu     sync.Mutex
	events []emittedEvent
}

type emittedEvent struct {
	name    string
	payload any
}

func (r *recordingEmitter) Emit(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emittedEvent{name: event, payload: payload})
}

func (r *recordingEmitter) byName(name string) []emittedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []emittedEvent
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

func testSessionConfig() Config {
	opts, _ := config.ModeFor("talks")
	return Config{
		ID:                "test-session",
		ClientID:          "client-1",
		RemoteAddr:        "127.0.0.1",
		SourceLang:        "ro-RO",
		TargetLang:        "en",
		Mode:              "talks",
		Options:           opts,
		InactivityTimeout: time.Minute,
	}
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

func TestPendingFinalOverwrite(t *testing.T) {
	bt := newBlockingTranslator()
	em := &recordingEmitter{}
	s := New(testSessionConfig(), bt, nil, em, nil)
	defer s.Stop(false)

	// F0 starts an MT call and blocks.
	s.HandleTranscript("prima propoziție completă se încheie aici.", true)
	waitFor(t, func() bool { return len(bt.callTexts()) == 1 })

	// F1 and F2 arrive while in flight; F2 must overwrite F1.
	s.HandleTranscript("prima propoziție completă se încheie aici. a doua vine acum.", true)
	s.HandleTranscript("prima propoziție completă se încheie aici. a treia o înlocuiește complet.", true)

	bt.release()
	waitFor(t, func() bool { return len(bt.callTexts()) == 2 })

	calls := bt.callTexts()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1], "a treia o înlocuiește")
	assert.Equal(t, 1, bt.maxBusy, "at most one MT call in flight per session")
}

func TestInterimDroppedWhileInFlight(t *testing.T) {
	bt := newBlockingTranslator()
	em := &recordingEmitter{}
	s := New(testSessionConfig(), bt, nil, em, nil)
	defer s.Stop(false)

	s.HandleTranscript("prima propoziție completă se încheie aici.", true)
	waitFor(t, func() bool { return len(bt.callTexts()) == 1 })

	// A sentence-ending interim approved during flight is dropped, not queued.
	s.HandleTranscript("prima propoziție completă se încheie aici. interimar nou complet aici.", false)

	bt.release()
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, bt.callTexts(), 1)
}

func TestStopSkipsInFlightEmission(t *testing.T) {
	bt := newBlockingTranslator()
	em := &recordingEmitter{}
	s := New(testSessionConfig(), bt, nil, em, nil)

	s.HandleTranscript("prima propoziție completă se încheie aici.", true)
	waitFor(t, func() bool { return len(bt.callTexts()) == 1 })

	s.Stop(false)
	bt.release()
	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, em.byName(EventTranslation), "in-flight result is discarded after stop")
}

func TestStopEmitsSummary(t *testing.T) {
	bt := newBlockingTranslator()
	bt.release()
	em := &recordingEmitter{}
	s := New(testSessionConfig(), bt, nil, em, nil)

	s.HandleTranscript("prima propoziție completă se încheie aici.", true)
	waitFor(t, func() bool { return len(em.byName(EventTranslation)) == 1 })

	s.Stop(true)
	stopped := em.byName(EventSessionStopped)
	require.Len(t, stopped, 1)
	summary := stopped[0].payload.(SessionStopped)
	assert.Equal(t, 1, summary.TranslationCount)
	assert.NotEmpty(t, summary.AccumulatedText)

	// Idempotent.
	s.Stop(true)
	assert.Len(t, em.byName(EventSessionStopped), 1)
}

func TestInterimEcho(t *testing.T) {
	bt := newBlockingTranslator()
	bt.release()
	em := &recordingEmitter{}
	s := New(testSessionConfig(), bt, nil, em, nil)
	defer s.Stop(false)

	s.HandleTranscript("ceva parțial", false)
	echo := em.byName(EventInterimResult)
	require.Len(t, echo, 1)
	assert.Equal(t, InterimResult{Text: "ceva parțial", IsFinal: false}, echo[0].payload)
}

func TestEveryEmissionFollowsApproval(t *testing.T) {
	bt := newBlockingTranslator()
	bt.release()
	em := &recordingEmitter{}
	s := New(testSessionConfig(), bt, nil, em, nil)
	defer s.Stop(false)

	// Rejected update: single word final.
	s.HandleTranscript("pair", true)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, em.byName(EventTranslation))

	// Approved update emits exactly once.
	s.HandleTranscript("propoziția aceasta are destule cuvinte ca să treacă.", true)
	waitFor(t, func() bool { return len(em.byName(EventTranslation)) == 1 })
}

func TestPauseTimerFires(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Options.PauseDetection = 30 * time.Millisecond
	bt := newBlockingTranslator()
	bt.release()
	em := &recordingEmitter{}
	s := New(cfg, bt, nil, em, nil)
	defer s.Stop(false)

	// No sentence ending, not final: rejected, pause timer armed.
	s.HandleTranscript("această frază continuă fără vreun sfârșit de propoziție", false)
	waitFor(t, func() bool { return len(em.byName(EventTranslation)) == 1 })

	ev := em.byName(EventTranslation)[0].payload.(pipeline.Event)
	assert.Equal(t, "pause_detected", string(ev.Reason))
}

func TestInactivityTimeout(t *testing.T) {
	cfg := testSessionConfig()
	cfg.InactivityTimeout = 40 * time.Millisecond
	bt := newBlockingTranslator()
	bt.release()
	em := &recordingEmitter{}
	s := New(cfg, bt, nil, em, nil)

	waitFor(t, func() bool { return len(em.byName(EventSessionTimeout)) == 1 })
	assert.False(t, s.Active())
}
