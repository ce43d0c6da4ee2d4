package asr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mikesibiu/BudgetTranslate/internal/metrics"
)

// Result is one decoded recognition event.
type Result struct {
	Text    string
	IsFinal bool
}

// Stream is one open recognition stream. Implementations are not safe for
// concurrent Send; the controller serializes writes.
type Stream interface {
	Send(chunk []byte) error
	Recv() (Result, error)
	CloseSend() error
}

// StreamFactory opens configured recognition streams.
type StreamFactory interface {
	Open(ctx context.Context) (Stream, error)
}

// Config bounds a controller. Zero values take the defaults below.
type Config struct {
	RestartInterval    time.Duration // proactive restart, under the provider's ~305s cap
	MaxRestartAttempts int
	MaxBufferedChunks  int
	MaxChunkBytes      int
	MaxBytesPerSecond  int
}

const (
	defaultRestartInterval = 290 * time.Second
	defaultMaxRestarts     = 10
	defaultMaxBuffered     = 50
	defaultMaxChunkBytes   = 1 << 20
	defaultMaxBytesPerSec  = 2 << 20
)

// Write-path rejection errors, surfaced to the client with a code.
var (
	ErrChunkTooLarge = errors.New("audio chunk exceeds 1 MB")
	ErrRateLimited   = errors.New("audio rate exceeds 2 MB/s")
)

// ErrMaxRestarts terminates the session when fault recovery gives up.
var ErrMaxRestarts = errors.New("recognition restart attempts exhausted")

// Callbacks receive controller events. OnRestart fires after a new stream is
// live; OnFatal at most once.
type Callbacks struct {
	OnResult  func(Result)
	OnRestart func()
	OnFatal   func(error)
}

type faultKind int

const (
	faultSilence faultKind = iota // not a fault; restart without counting
	faultTimeout                  // duration/deadline; restart, counted
	faultFatal                    // surface to client
)

// Controller owns one streaming recognition session: proactive restarts,
// audio buffering across the restart gap, and ordered fault recovery. At
// most one stream handle is writable at any time.
type Controller struct {
	factory StreamFactory
	cfg     Config
	cb      Callbacks

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	stream          Stream
	streamStart     time.Time
	restarting      bool
	restartAttempts int
	pending         [][]byte
	dropLogged      bool
	restartTimer    *time.Timer
	stopped         bool
	fatalSent       bool

	windowStart time.Time
	windowBytes int
}

// NewController builds a controller; Start opens the first stream.
func NewController(factory StreamFactory, cfg Config, cb Callbacks) *Controller {
	if cfg.RestartInterval <= 0 {
		cfg.RestartInterval = defaultRestartInterval
	}
	if cfg.MaxRestartAttempts <= 0 {
		cfg.MaxRestartAttempts = defaultMaxRestarts
	}
	if cfg.MaxBufferedChunks <= 0 {
		cfg.MaxBufferedChunks = defaultMaxBuffered
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = defaultMaxChunkBytes
	}
	if cfg.MaxBytesPerSecond <= 0 {
		cfg.MaxBytesPerSecond = defaultMaxBytesPerSec
	}
	return &Controller{factory: factory, cfg: cfg, cb: cb}
}

// Start opens the initial stream and begins receiving.
func (c *Controller) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	s, err := c.factory.Open(c.ctx)
	if err != nil {
		return fmt.Errorf("open recognition stream: %w", err)
	}
	c.mu.Lock()
	c.stream = s
	c.streamStart = time.Now()
	c.scheduleRestartLocked()
	c.mu.Unlock()
	go c.recvLoop(s)
	return nil
}

// WriteAudio validates and forwards one audio chunk. During a restart the
// chunk is buffered; the bounded buffer drops the newest when full.
func (c *Controller) WriteAudio(chunk []byte) error {
	if len(chunk) > c.cfg.MaxChunkBytes {
		return ErrChunkTooLarge
	}
	c.mu.Lock()
	now := time.Now()
	if now.Sub(c.windowStart) >= time.Second {
		c.windowStart = now
		c.windowBytes = 0
	}
	c.windowBytes += len(chunk)
	if c.windowBytes > c.cfg.MaxBytesPerSecond {
		c.mu.Unlock()
		return ErrRateLimited
	}

	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	if c.restarting || c.stream == nil {
		c.bufferLocked(chunk)
		c.mu.Unlock()
		return nil
	}
	s := c.stream
	c.mu.Unlock()

	if err := s.Send(chunk); err != nil {
		slog.Warn("audio send failed, buffering and restarting", "err", err)
		c.mu.Lock()
		c.bufferLocked(chunk)
		c.mu.Unlock()
		c.restart(true, "send_error")
	}
	return nil
}

func (c *Controller) bufferLocked(chunk []byte) {
	if len(c.pending) >= c.cfg.MaxBufferedChunks {
		if !c.dropLogged {
			slog.Warn("audio buffer full during restart, dropping newest", "cap", c.cfg.MaxBufferedChunks)
			c.dropLogged = true
		}
		return
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	c.pending = append(c.pending, cp)
}

func (c *Controller) recvLoop(s Stream) {
	for {
		res, err := s.Recv()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			current := c.stream == s
			c.mu.Unlock()
			if !current {
				// A restart already replaced this stream; the error is the
				// old handle winding down.
				return
			}
			c.handleStreamError(err)
			return
		}
		if c.cb.OnResult != nil {
			c.cb.OnResult(res)
		}
	}
}

func (c *Controller) handleStreamError(err error) {
	switch classifyFault(err) {
	case faultSilence:
		slog.Info("recognition silence timeout, restarting", "err", err)
		c.restart(false, "silence")
	case faultTimeout:
		slog.Warn("recognition stream timed out, restarting", "err", err)
		c.restart(true, "timeout")
	default:
		slog.Error("recognition stream failed", "err", err)
		c.fatal(err)
	}
}

// classifyFault distinguishes the silence timeout (not a fault), the
// duration/deadline family (restart, counted), and everything else.
func classifyFault(err error) faultKind {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "without audio") || strings.Contains(msg, "no audio") {
		return faultSilence
	}
	if errors.Is(err, io.EOF) {
		return faultTimeout
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.OutOfRange, codes.DeadlineExceeded:
			return faultTimeout
		}
	}
	if strings.Contains(msg, "maximum allowed stream duration") {
		return faultTimeout
	}
	return faultFatal
}

// restart tears down the current stream and opens a replacement. A single
// in-flight flag collapses concurrent triggers (the underlying stream can
// emit both end and close).
func (c *Controller) restart(counted bool, cause string) {
	c.mu.Lock()
	if c.stopped || c.restarting {
		c.mu.Unlock()
		return
	}
	if counted {
		c.restartAttempts++
		if c.restartAttempts > c.cfg.MaxRestartAttempts {
			c.mu.Unlock()
			c.fatal(ErrMaxRestarts)
			return
		}
	}
	c.restarting = true
	old := c.stream
	c.stream = nil
	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
	}
	c.mu.Unlock()

	metrics.ASRRestarts.WithLabelValues(cause).Inc()
	if old != nil {
		_ = old.CloseSend()
	}
	go c.openReplacement(cause)
}

func (c *Controller) openReplacement(cause string) {
	if c.ctx.Err() != nil {
		return
	}
	s, err := c.factory.Open(c.ctx)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		slog.Error("stream reopen failed", "cause", cause, "err", err)
		c.mu.Lock()
		c.restarting = false
		c.mu.Unlock()
		// Reopen failures consume restart attempts until the cap fires.
		time.AfterFunc(time.Second, func() { c.restart(true, "reopen_error") })
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = s.CloseSend()
		return
	}
	c.stream = s
	c.streamStart = time.Now()
	pending := c.pending
	c.pending = nil
	c.dropLogged = false
	c.restarting = false
	c.scheduleRestartLocked()
	c.mu.Unlock()

	for _, chunk := range pending {
		if err := s.Send(chunk); err != nil {
			slog.Error("flush buffered audio failed", "err", err)
			break
		}
	}
	slog.Info("recognition stream restarted", "cause", cause, "flushed", len(pending))

	go c.recvLoop(s)
	if c.cb.OnRestart != nil {
		c.cb.OnRestart()
	}
}

func (c *Controller) scheduleRestartLocked() {
	c.restartTimer = time.AfterFunc(c.cfg.RestartInterval, func() {
		c.restart(false, "proactive")
	})
}

func (c *Controller) fatal(err error) {
	c.mu.Lock()
	if c.fatalSent {
		c.mu.Unlock()
		return
	}
	c.fatalSent = true
	c.mu.Unlock()
	if c.cb.OnFatal != nil {
		c.cb.OnFatal(err)
	}
}

// RestartAttempts reports counted fault-recovery restarts.
func (c *Controller) RestartAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restartAttempts
}

// Stop tears the controller down. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
	}
	s := c.stream
	c.stream = nil
	c.pending = nil
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if s != nil {
		_ = s.CloseSend()
	}
}
