package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mikesibiu/BudgetTranslate/internal/asr"
	"github.com/mikesibiu/BudgetTranslate/internal/config"
	"github.com/mikesibiu/BudgetTranslate/internal/metrics"
	"github.com/mikesibiu/BudgetTranslate/internal/pipeline"
	"github.com/mikesibiu/BudgetTranslate/internal/session"
	"github.com/mikesibiu/BudgetTranslate/internal/store"
)

var (
	reSourceLang = regexp.MustCompile(`^[a-z]{2}-[A-Z]{2}$`)
	reTargetLang = regexp.MustCompile(`^[a-z]{2}(-[A-Z]{2})?$`)
)

// ASRFactoryFunc builds a recognition stream factory for a session's source
// language. Nil disables server-side ASR.
type ASRFactoryFunc func(ctx context.Context, language string) (asr.StreamFactory, error)

// Server is the websocket transport: one connection, one session.
type Server struct {
	cfg        *config.Config
	terms      *config.HotTerms
	translator pipeline.Translator
	asrFactory ASRFactoryFunc
	db         *store.Store
	manager    *session.Manager

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu       sync.Mutex
	sessions map[string]*session.Session
	post     *pipeline.PostProcessor
}

// New wires the server. db and asrFactory may be nil.
func New(cfg *config.Config, terms *config.HotTerms, translator pipeline.Translator, asrFactory ASRFactoryFunc, db *store.Store) *Server {
	s := &Server{
		cfg:        cfg,
		terms:      terms,
		translator: translator,
		asrFactory: asrFactory,
		db:         db,
		manager:    session.NewManager(cfg.MaxConnections, cfg.MaxConnectionsPerIP),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*session.Session),
		post:     pipeline.NewPostProcessor(terms.Get()),
	}
	terms.OnReload(func(t *config.Terms) {
		post := pipeline.NewPostProcessor(t)
		s.mu.Lock()
		s.post = post
		for _, sess := range s.sessions {
			sess.Pipeline().SetPostProcessor(post)
		}
		s.mu.Unlock()
	})
	return s
}

// Run serves until ctx is cancelled, then tears down every live session.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.mu.Lock()
	live := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()
	for _, sess := range live {
		sess.Stop(true)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "err", err)
		return
	}

	addr := remoteHost(r)
	em := newEmitter(conn)

	if err := s.manager.Admit(addr); err != nil {
		code := session.CodeServerFull
		cause := "server_full"
		if err == session.ErrTooManyFromIP {
			code = session.CodeTooManyFromIP
			cause = "per_ip"
		}
		metrics.ConnectionsRejected.WithLabelValues(cause).Inc()
		em.Emit(session.EventConnectionError, session.ErrorPayload{Message: err.Error(), Code: code})
		conn.Close()
		return
	}

	c := &clientConn{
		server:  s,
		conn:    conn,
		emitter: em,
		addr:    addr,
	}
	defer func() {
		c.closeSession(false)
		s.manager.Release(addr)
		conn.Close()
	}()
	c.readLoop()
}

// --- per-connection state ---

type clientConn struct {
	server  *Server
	conn    *websocket.Conn
	emitter *wsEmitter
	addr    string

	sess       *session.Session
	sourceLang string
	asrOn      bool

	// Wire format of audio frames, detected once on the first chunk.
	audioFormat audioFormat
}

type audioFormat int

const (
	audioUnknown audioFormat = iota
	audioBinary              // raw binary websocket frames
	audioBase64              // base64 payload inside a JSON envelope
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type startPayload struct {
	SourceLanguage      string `json:"sourceLanguage"`
	TargetLang          string `json:"targetLang"`
	Mode                string `json:"mode"`
	TranslationInterval int64  `json:"translationInterval,omitempty"` // ms override
}

type transcriptPayload struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

type audioPayload struct {
	Chunk []byte `json:"chunk"` // base64 on the wire
}

func (c *clientConn) readLoop() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read failed", "remote", c.addr, "err", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if c.audioFormat == audioUnknown {
				c.audioFormat = audioBinary
			}
			c.handleAudio(data)
		case websocket.TextMessage:
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				slog.Warn("bad message envelope", "remote", c.addr, "err", err)
				continue
			}
			c.handleEvent(env)
		}
	}
}

func (c *clientConn) handleEvent(env envelope) {
	switch env.Event {
	case "start-session":
		var p startPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.emitter.Emit(session.EventConnectionError, session.ErrorPayload{Message: "bad start-session payload"})
			return
		}
		c.startSession(p)

	case "transcript-result":
		var p transcriptPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		if c.sess != nil {
			c.sess.HandleTranscript(p.Text, p.IsFinal)
		}

	case "audio-data":
		if c.audioFormat == audioUnknown {
			c.audioFormat = audioBase64
		}
		if c.audioFormat != audioBase64 {
			return
		}
		var p audioPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		c.handleAudio(p.Chunk)

	case "stop-session":
		c.closeSession(true)

	default:
		slog.Debug("unknown event", "event", env.Event, "remote", c.addr)
	}
}

func (c *clientConn) startSession(p startPayload) {
	if !reSourceLang.MatchString(p.SourceLanguage) {
		c.emitter.Emit(session.EventConnectionError, session.ErrorPayload{
			Message: fmt.Sprintf("invalid source language %q", p.SourceLanguage),
			Code:    session.CodeInvalidLanguage,
		})
		return
	}
	if !reTargetLang.MatchString(p.TargetLang) {
		c.emitter.Emit(session.EventConnectionError, session.ErrorPayload{
			Message: fmt.Sprintf("invalid target language %q", p.TargetLang),
			Code:    session.CodeInvalidLanguage,
		})
		return
	}
	opts, ok := config.ModeFor(p.Mode)
	if !ok {
		c.emitter.Emit(session.EventConnectionError, session.ErrorPayload{
			Message: fmt.Sprintf("unknown mode %q", p.Mode),
			Code:    session.CodeInvalidMode,
		})
		return
	}
	if p.TranslationInterval > 0 {
		opts.TranslationInterval = config.ClampInterval(time.Duration(p.TranslationInterval) * time.Millisecond)
	}

	// Duplicate start-session while Active tears down the prior session.
	c.closeSession(false)

	id := uuid.NewString()
	cfg := session.Config{
		ID:                id,
		ClientID:          id[:8],
		RemoteAddr:        c.addr,
		SourceLang:        p.SourceLanguage,
		TargetLang:        p.TargetLang,
		Mode:              p.Mode,
		Options:           opts,
		InactivityTimeout: c.server.cfg.InactivityTimeout,
	}

	c.server.mu.Lock()
	post := c.server.post
	c.server.mu.Unlock()

	sess := session.New(cfg, c.server.translator, post, c.emitter, c.server.logFunc(cfg))
	sess.OnClose(func() {
		c.server.mu.Lock()
		delete(c.server.sessions, id)
		c.server.mu.Unlock()
	})
	c.server.mu.Lock()
	c.server.sessions[id] = sess
	c.server.mu.Unlock()
	c.sess = sess
	c.sourceLang = p.SourceLanguage
	c.asrOn = false
	c.audioFormat = audioUnknown

	c.emitter.Emit(session.EventSessionStarted, session.SessionStarted{
		SourceLanguage: p.SourceLanguage,
		TargetLanguage: p.TargetLang,
		Mode:           p.Mode,
		EnableTTS:      opts.EnableTTS,
		VisualCards:    opts.DisplayVisualCards,
		IntervalMs:     opts.TranslationInterval.Milliseconds(),
	})
}

// handleAudio lazily attaches the ASR controller on the first frame; clients
// doing browser-side ASR never reach this path.
func (c *clientConn) handleAudio(chunk []byte) {
	if c.sess == nil || len(chunk) == 0 {
		return
	}
	if c.server.asrFactory == nil {
		c.emitter.Emit(session.EventRecognitionError, session.ErrorPayload{
			Message: "server-side recognition is not enabled",
			Code:    session.CodeRecognition,
		})
		return
	}
	if c.sess.Active() && !c.asrOn {
		factory, err := c.server.asrFactory(context.Background(), c.sourceLang)
		if err != nil {
			c.emitter.Emit(session.EventRecognitionError, session.ErrorPayload{
				Message: "recognition unavailable",
				Code:    session.CodeRecognition,
			})
			slog.Error("asr factory failed", "err", err)
			return
		}
		if err := c.sess.AttachASR(factory, asr.Config{}); err != nil {
			c.emitter.Emit(session.EventRecognitionError, session.ErrorPayload{
				Message: "recognition unavailable",
				Code:    session.CodeRecognition,
			})
			slog.Error("asr attach failed", "err", err)
			return
		}
		c.asrOn = true
	}
	c.sess.HandleAudio(chunk)
}

func (c *clientConn) closeSession(emitSummary bool) {
	if c.sess == nil {
		return
	}
	c.sess.Stop(emitSummary)
	c.sess = nil
}

// logFunc builds the fire-and-forget persistence hook for one session.
func (s *Server) logFunc(cfg session.Config) pipeline.LogFunc {
	if s.db == nil {
		return nil
	}
	return func(ev pipeline.Event, fullText string) {
		go func() {
			s.db.Append(store.Record{
				SessionID:      cfg.ID,
				ClientID:       cfg.ClientID,
				SourceText:     ev.Original,
				TranslatedText: ev.Translated,
				SourceLanguage: cfg.SourceLang,
				TargetLanguage: cfg.TargetLang,
				Reason:         string(ev.Reason),
				AppVersion:     s.cfg.AppVersion,
			})
			s.db.AddUsage(cfg.ID, time.Now().UTC().Format("2006-01-02"), len(fullText))
		}()
	}
}

// --- emitter ---

// wsEmitter serializes writes; gorilla permits one concurrent writer.
type wsEmitter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newEmitter(conn *websocket.Conn) *wsEmitter {
	return &wsEmitter{conn: conn}
}

func (e *wsEmitter) Emit(event string, payload any) {
	data, err := json.Marshal(map[string]any{"event": event, "data": payload})
	if err != nil {
		slog.Error("marshal event failed", "event", event, "err", err)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := e.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Warn("event write failed", "event", event, "err", err)
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
