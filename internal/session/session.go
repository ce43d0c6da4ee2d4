package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mikesibiu/BudgetTranslate/internal/asr"
	"github.com/mikesibiu/BudgetTranslate/internal/config"
	"github.com/mikesibiu/BudgetTranslate/internal/metrics"
	"github.com/mikesibiu/BudgetTranslate/internal/pipeline"
	"github.com/mikesibiu/BudgetTranslate/internal/rules"
)

// Config fixes a session's identity and parameters at start-session time.
type Config struct {
	ID                string
	ClientID          string
	RemoteAddr        string
	SourceLang        string
	TargetLang        string
	Mode              string
	Options           config.ModeOptions
	InactivityTimeout time.Duration
}

type pendingTranslation struct {
	text     string
	decision rules.Decision
}

// Session owns all per-session state: the rules engine, the pipeline, the
// optional ASR controller, timers, and the in-flight translation rule. All
// mutation happens under one mutex; the MT call itself runs outside it.
type Session struct {
	cfg     Config
	engine  *rules.Engine
	pipe    *pipeline.Pipeline
	emitter Emitter

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	active          bool
	inFlight        bool
	pending         *pendingTranslation
	pauseTimer      *time.Timer
	inactivityTimer *time.Timer
	lastInterimText string
	lastTextChange  time.Time
	asrCtrl         *asr.Controller
	onClose         func()
}

// New builds an Active session. logFn, when non-nil, receives every emitted
// translation for persistence.
func New(cfg Config, translator pipeline.Translator, post *pipeline.PostProcessor, emitter Emitter, logFn pipeline.LogFunc) *Session {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 30 * time.Minute
	}
	engine := rules.New(rules.Options{
		TranslationInterval: cfg.Options.TranslationInterval,
		PauseDetection:      cfg.Options.PauseDetection,
		MinWords:            cfg.Options.MinWords,
	})
	pipe := pipeline.New(translator, engine, post, cfg.SourceLang, cfg.TargetLang)
	if logFn != nil {
		pipe.OnEmit(logFn)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		engine:  engine,
		pipe:    pipe,
		emitter: emitter,
		ctx:     ctx,
		cancel:  cancel,
		active:  true,
	}
	s.mu.Lock()
	s.resetInactivityLocked()
	s.mu.Unlock()

	opts := engine.Options()
	slog.Info("session started",
		"session", cfg.ID, "client", cfg.ClientID, "remote", cfg.RemoteAddr,
		"source", cfg.SourceLang, "target", cfg.TargetLang, "mode", cfg.Mode,
		"interval", opts.TranslationInterval, "pause", opts.PauseDetection,
		"preOverlap", opts.PreOverlapThreshold, "postOverlap", opts.PostOverlapThreshold,
		"dedupWindow", opts.DedupWindow)
	metrics.ActiveSessions.Inc()
	return s
}

// OnClose registers a cleanup hook fired once when the session leaves Active.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

// ID returns the session identity.
func (s *Session) ID() string { return s.cfg.ID }

// Active reports whether the session is in the Active state.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// AttachASR starts server-side recognition for this session. Skipped
// entirely when the client performs ASR in the browser.
func (s *Session) AttachASR(factory asr.StreamFactory, asrCfg asr.Config) error {
	ctrl := asr.NewController(factory, asrCfg, asr.Callbacks{
		OnResult: func(r asr.Result) {
			s.HandleTranscript(r.Text, r.IsFinal)
		},
		OnRestart: func() {
			// Fresh stream, fresh full-context translations. Accumulated
			// text and the decision tail are preserved.
			s.pipe.ResetCommitted()
			slog.Info("asr restarted, committed translation reset", "session", s.cfg.ID)
		},
		OnFatal: func(err error) {
			s.handleASRFatal(err)
		},
	})
	if err := ctrl.Start(s.ctx); err != nil {
		return fmt.Errorf("start asr: %w", err)
	}
	s.mu.Lock()
	s.asrCtrl = ctrl
	s.mu.Unlock()
	return nil
}

// HandleTranscript processes one transcript update from either ingestion
// mode.
func (s *Session) HandleTranscript(text string, isFinal bool) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.resetInactivityLocked()

	now := time.Now()
	changed := text != s.lastInterimText
	if changed {
		s.lastTextChange = now
		s.stopPauseTimerLocked()
	}
	if s.lastTextChange.IsZero() {
		s.lastTextChange = now
	}
	s.lastInterimText = text
	sinceChange := now.Sub(s.lastTextChange)

	trigger := rules.TriggerInterim
	if isFinal {
		trigger = rules.TriggerFinal
	}
	s.mu.Unlock()

	s.emitter.Emit(EventInterimResult, InterimResult{Text: text, IsFinal: isFinal})

	dec := s.engine.Decide(rules.Update{
		Text:                text,
		IsFinal:             isFinal,
		TimeSinceLastChange: sinceChange,
		Trigger:             trigger,
		ClientID:            s.cfg.ClientID,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	if dec.ShouldTranslate {
		s.dispatchLocked(text, dec, isFinal)
		return
	}
	if !isFinal && changed && s.pauseTimer == nil {
		s.armPauseTimerLocked()
	}
}

// dispatchLocked enforces the at-most-one-in-flight rule. A final arriving
// during an in-flight translation becomes the single pending translation,
// overwriting any earlier one; interims are dropped.
func (s *Session) dispatchLocked(text string, dec rules.Decision, isFinal bool) {
	if s.inFlight {
		if isFinal {
			s.pending = &pendingTranslation{text: text, decision: dec}
		}
		return
	}
	s.startPipelineLocked(text, dec)
}

func (s *Session) startPipelineLocked(text string, dec rules.Decision) {
	s.inFlight = true
	go s.runPipeline(text, dec)
}

func (s *Session) runPipeline(text string, dec rules.Decision) {
	for {
		ev, err := s.pipe.Run(s.ctx, text, dec)

		s.mu.Lock()
		if !s.active {
			// Teardown raced the MT call; the result is discarded.
			s.inFlight = false
			s.pending = nil
			s.mu.Unlock()
			return
		}
		next := s.pending
		s.pending = nil
		if next == nil {
			s.inFlight = false
		}
		s.mu.Unlock()

		// Emit before any pending translation runs so results arrive in
		// decision order. inFlight stays set while a pending final executes.
		if err != nil {
			slog.Error("translation failed", "session", s.cfg.ID, "err", err)
			s.emitter.Emit(EventTranslationError, ErrorPayload{Message: "translation failed"})
		} else if ev != nil {
			s.emitter.Emit(EventTranslation, *ev)
		}

		if next == nil {
			return
		}
		text, dec = next.text, next.decision
	}
}

// HandleAudio forwards one raw audio frame to the ASR controller.
func (s *Session) HandleAudio(chunk []byte) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.resetInactivityLocked()
	ctrl := s.asrCtrl
	s.mu.Unlock()

	if ctrl == nil {
		slog.Warn("audio frame without server-side asr, dropped", "session", s.cfg.ID)
		return
	}
	if err := ctrl.WriteAudio(chunk); err != nil {
		code := CodeRecognition
		switch {
		case errors.Is(err, asr.ErrChunkTooLarge):
			code = CodeChunkTooLarge
		case errors.Is(err, asr.ErrRateLimited):
			code = CodeRateLimited
		}
		s.emitter.Emit(EventRecognitionError, ErrorPayload{Message: err.Error(), Code: code})
	}
}

func (s *Session) handleASRFatal(err error) {
	code := CodeRecognition
	if errors.Is(err, asr.ErrMaxRestarts) {
		code = CodeMaxRestarts
	}
	s.emitter.Emit(EventRecognitionError, ErrorPayload{Message: err.Error(), Code: code})
	s.Stop(false)
}

// --- timers ---

func (s *Session) armPauseTimerLocked() {
	d := s.engine.Options().PauseDetection
	s.pauseTimer = time.AfterFunc(d, s.onPauseTimer)
}

func (s *Session) stopPauseTimerLocked() {
	if s.pauseTimer != nil {
		s.pauseTimer.Stop()
		s.pauseTimer = nil
	}
}

// onPauseTimer re-runs the decision for the latest interim once the quiet
// interval has elapsed without a text change.
func (s *Session) onPauseTimer() {
	s.mu.Lock()
	s.pauseTimer = nil
	if !s.active {
		s.mu.Unlock()
		return
	}
	text := s.lastInterimText
	sinceChange := time.Since(s.lastTextChange)
	s.mu.Unlock()

	dec := s.engine.Decide(rules.Update{
		Text:                text,
		TimeSinceLastChange: sinceChange,
		Trigger:             rules.TriggerPause,
		ClientID:            s.cfg.ClientID,
	})
	if !dec.ShouldTranslate {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.inFlight {
		return
	}
	s.startPipelineLocked(text, dec)
}

func (s *Session) resetInactivityLocked() {
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
	}
	s.inactivityTimer = time.AfterFunc(s.cfg.InactivityTimeout, s.onInactivity)
}

func (s *Session) onInactivity() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	mins := int(s.cfg.InactivityTimeout.Minutes())
	slog.Info("session inactive, terminating", "session", s.cfg.ID, "minutes", mins)
	s.emitter.Emit(EventSessionTimeout, SessionTimeout{
		Message:         "session closed after inactivity",
		InactiveMinutes: mins,
	})
	s.Stop(false)
}

// Stop leaves the Active state, cancels timers and any ASR stream, discards
// the pending translation, and optionally emits the final summary.
// Idempotent.
func (s *Session) Stop(emitSummary bool) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.pending = nil
	s.stopPauseTimerLocked()
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
		s.inactivityTimer = nil
	}
	ctrl := s.asrCtrl
	s.asrCtrl = nil
	onClose := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	s.cancel()
	if ctrl != nil {
		ctrl.Stop()
	}
	if emitSummary {
		s.emitter.Emit(EventSessionStopped, SessionStopped{
			TranslationCount: s.pipe.Count(),
			AccumulatedText:  s.pipe.Accumulated(),
		})
	}
	stats := s.engine.Stats()
	slog.Info("session stopped",
		"session", s.cfg.ID, "translations", s.pipe.Count(),
		"checks", stats.Checks, "approvals", stats.Approvals, "rejections", stats.Rejections)
	metrics.ActiveSessions.Dec()
	if onClose != nil {
		onClose()
	}
}

// Engine exposes the rules engine, mainly for tests and debugging.
func (s *Session) Engine() *rules.Engine { return s.engine }

// Pipeline exposes the translation pipeline, mainly for tests and debugging.
func (s *Session) Pipeline() *pipeline.Pipeline { return s.pipe }
