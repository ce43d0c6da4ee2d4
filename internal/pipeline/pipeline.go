package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/mikesibiu/BudgetTranslate/internal/metrics"
	"github.com/mikesibiu/BudgetTranslate/internal/rules"
)

// Translator is the MT call the pipeline depends on.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// Event is one emitted translation.
type Event struct {
	Original    string       `json:"original"`
	Translated  string       `json:"translated"`
	Accumulated string       `json:"accumulated"`
	Count       int          `json:"count"`
	IsInterim   bool         `json:"isInterim"`
	Reason      rules.Reason `json:"reason"`
}

// LogFunc receives every emitted event for fire-and-forget persistence.
type LogFunc func(ev Event, fullText string)

const (
	// Working LCP threshold; below it the full translation is emitted to
	// preserve grammaticality.
	defaultLCPThreshold = 0.60

	accumulatedMax = 1000
)

// Pipeline turns an approved decision plus the full transcript into at most
// one translation event. One pipeline per session.
type Pipeline struct {
	mu sync.Mutex

	translator Translator
	engine     *rules.Engine
	post       *PostProcessor

	sourceLang   string
	targetLang   string
	lcpThreshold float64

	committed   string // raw MT output of the full transcript, always
	accumulated string
	count       int

	logFn LogFunc
}

// New builds a session pipeline. post may be nil: no term rules apply, but
// number/date preservation and the built-in single-word fallback still run.
func New(translator Translator, engine *rules.Engine, post *PostProcessor, sourceLang, targetLang string) *Pipeline {
	if post == nil {
		post = NewPostProcessor(nil)
	}
	return &Pipeline{
		translator:   translator,
		engine:       engine,
		post:         post,
		sourceLang:   sourceLang,
		targetLang:   targetLang,
		lcpThreshold: defaultLCPThreshold,
	}
}

// OnEmit registers the persistence hook.
func (p *Pipeline) OnEmit(fn LogFunc) {
	p.logFn = fn
}

// SetPostProcessor swaps the post-processing rules (terms hot reload).
func (p *Pipeline) SetPostProcessor(post *PostProcessor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.post = post
}

// Run performs full-context translation, LCP tail extraction,
// post-processing, and duplicate suppression. A nil event with nil error
// means nothing was emitted: MT returned an empty string, post-processing
// left nothing, or the output was suppressed as a duplicate. On MT error the
// commit is untouched and the count does not advance.
func (p *Pipeline) Run(ctx context.Context, fullText string, dec rules.Decision) (*Event, error) {
	translatedFull, err := p.translator.Translate(ctx, fullText, p.sourceLang, p.targetLang)
	if err != nil {
		metrics.TranslationErrors.Inc()
		return nil, err
	}
	if translatedFull == "" {
		return nil, nil
	}

	p.mu.Lock()
	emitted := translatedFull
	if p.committed != "" {
		tail, ratio := ExtractTail(p.committed, translatedFull)
		if ratio >= p.lcpThreshold && tail != "" {
			emitted = tail
		}
		slog.Debug("lcp", "ratio", ratio, "tailed", emitted != translatedFull)
	}
	// Commit the raw MT output, never the post-processed tail: LCP must
	// compare against a string MT actually produced.
	p.committed = translatedFull
	post := p.post
	p.mu.Unlock()

	emitted = post.Apply(emitted, dec.NewText, fullText, p.targetLang)
	if strings.TrimSpace(emitted) == "" {
		return nil, nil
	}

	if p.engine.IsDuplicateTranslation(emitted) {
		metrics.DedupSuppressed.Inc()
		slog.Debug("duplicate suppressed", "text", emitted)
		return nil, nil
	}

	p.mu.Lock()
	p.count++
	p.accumulated = rules.TailRunes(strings.TrimSpace(p.accumulated+" "+emitted), accumulatedMax)
	ev := Event{
		Original:    dec.NewText,
		Translated:  emitted,
		Accumulated: p.accumulated,
		Count:       p.count,
		IsInterim:   !dec.IsComplete,
		Reason:      dec.Reason,
	}
	p.mu.Unlock()

	p.engine.RecordTranslation(emitted)
	metrics.TranslationsTotal.Inc()
	if p.logFn != nil {
		p.logFn(ev, fullText)
	}
	return &ev, nil
}

// ResetCommitted clears the LCP baseline. Called on ASR stream restart: a
// fresh stream produces fresh full-context translations. The accumulated
// tail survives.
func (p *Pipeline) ResetCommitted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.committed = ""
}

// CommittedTranslation returns the current LCP baseline.
func (p *Pipeline) CommittedTranslation() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.committed
}

// LastFullTranslation is the debugging alias for the committed translation.
func (p *Pipeline) LastFullTranslation() string {
	return p.CommittedTranslation()
}

// Accumulated returns the bounded tail of emitted translations.
func (p *Pipeline) Accumulated() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accumulated
}

// Count returns the number of emitted translation events.
func (p *Pipeline) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}
