package rules

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/mikesibiu/BudgetTranslate/internal/metrics"
)

// Trigger names the event that caused a decision check.
type Trigger string

const (
	TriggerInterim Trigger = "interim"
	TriggerFinal   Trigger = "final"
	TriggerPause   Trigger = "pause"
)

// Reason classifies a decision outcome.
type Reason string

const (
	ReasonSentenceEnding         Reason = "sentence_ending"
	ReasonMaxInterval            Reason = "max_interval"
	ReasonFinalResult            Reason = "final_result"
	ReasonPauseDetected          Reason = "pause_detected"
	ReasonWaitingForTrigger      Reason = "waiting_for_trigger"
	ReasonTooFewWords            Reason = "too_few_words"
	ReasonFillerWordsOnly        Reason = "filler_words_only"
	ReasonTooShort               Reason = "too_short"
	ReasonEmptyText              Reason = "empty_text"
	ReasonMaxIntervalPoorQuality Reason = "max_interval_poor_quality"
)

// Update is one transcript update to decide on.
type Update struct {
	Text                string
	IsFinal             bool
	TimeSinceLastChange time.Duration
	Trigger             Trigger
	ClientID            string
}

// Decision is the engine's verdict for a single update.
type Decision struct {
	ShouldTranslate bool
	Reason          Reason
	Confidence      float64
	NewText         string
	IsComplete      bool
}

// Options tunes a session's engine. Zero values take defaults in New.
type Options struct {
	TranslationInterval  time.Duration
	PauseDetection       time.Duration
	MinWords             int
	DedupWindow          time.Duration
	PreOverlapThreshold  float64
	PostOverlapThreshold float64
}

// Stats are the per-session decision counters.
type Stats struct {
	Checks     int
	Approvals  int
	Rejections int
	ByReason   map[Reason]int
}

const (
	lastTranslatedTextMax = 500
	minDedupWindow        = 20 * time.Second
	minCharCount          = 10
)

// fillerWords is the language-neutral filler set; "you know" is matched as a
// bigram in fillerOnly.
var fillerWords = map[string]bool{
	"uh": true, "um": true, "ah": true, "hmm": true, "eh": true, "er": true,
	"like": true,
	"ă": true, "e": true, "ei": true, "păi": true, "deci": true, "adică": true,
}

type recentEntry struct {
	text string
	at   time.Time
}

// Engine decides, per transcript update, whether to translate now. One
// engine per session; safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	opts  Options
	clock func() time.Time

	initialized         bool
	lastTranslationTime time.Time
	lastTranslatedText  string
	recent              []recentEntry
	stats               Stats
}

// New builds an engine for a session. Defaults: interval 15s, pause 4s,
// minWords 6, overlap thresholds 0.65. The dedup window is raised to exceed
// the translation interval and never drops below 20s.
func New(opts Options) *Engine {
	if opts.TranslationInterval <= 0 {
		opts.TranslationInterval = 15 * time.Second
	}
	if opts.PauseDetection <= 0 {
		opts.PauseDetection = 4 * time.Second
	}
	if opts.MinWords <= 0 {
		opts.MinWords = 6
	}
	if opts.PreOverlapThreshold <= 0 {
		opts.PreOverlapThreshold = 0.65
	}
	if opts.PostOverlapThreshold <= 0 {
		opts.PostOverlapThreshold = 0.65
	}
	if opts.DedupWindow < minDedupWindow {
		opts.DedupWindow = minDedupWindow
	}
	if opts.DedupWindow <= opts.TranslationInterval {
		opts.DedupWindow = opts.TranslationInterval + 5*time.Second
	}
	return &Engine{
		opts:  opts,
		clock: time.Now,
		stats: Stats{ByReason: make(map[Reason]int)},
	}
}

// Decide evaluates one update. State mutates only on approval.
func (e *Engine) Decide(u Update) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	e.stats.Checks++
	if !e.initialized {
		e.lastTranslationTime = now
		e.initialized = true
	}

	text := strings.TrimSpace(u.Text)
	quality := e.qualityCheck(text)
	qualityOK := quality == ""

	if IsSentenceEnding(text) && qualityOK {
		return e.approve(now, text, ReasonSentenceEnding, 1.0, u)
	}

	if now.Sub(e.lastTranslationTime) >= e.opts.TranslationInterval {
		if qualityOK {
			return e.approve(now, text, ReasonMaxInterval, 0.9, u)
		}
		// The interval timer is left alone so the next good update fires.
		return e.reject(ReasonMaxIntervalPoorQuality, u)
	}

	if u.IsFinal {
		if qualityOK {
			return e.approve(now, text, ReasonFinalResult, 0.8, u)
		}
		return e.reject(quality, u)
	}

	if u.TimeSinceLastChange >= e.opts.PauseDetection && qualityOK {
		return e.approve(now, text, ReasonPauseDetected, 0.7, u)
	}

	return e.reject(ReasonWaitingForTrigger, u)
}

func (e *Engine) approve(now time.Time, fullText string, reason Reason, confidence float64, u Update) Decision {
	newText := e.newTextLocked(fullText)
	if newText == "" {
		// Nothing new to translate: the trigger matched but the text is a
		// duplicate of what already went to MT. Reject without mutating.
		return e.reject(reason, u)
	}

	e.lastTranslationTime = now
	e.lastTranslatedText = TailRunes(fullText, lastTranslatedTextMax)
	e.stats.Approvals++
	e.stats.ByReason[reason]++
	metrics.DecisionsTotal.WithLabelValues(string(reason), "approve").Inc()

	slog.Debug("translation approved",
		"client", u.ClientID, "reason", reason, "confidence", confidence,
		"trigger", u.Trigger, "newTextLen", utf8.RuneCountInString(newText))

	return Decision{
		ShouldTranslate: true,
		Reason:          reason,
		Confidence:      confidence,
		NewText:         newText,
		IsComplete:      true,
	}
}

func (e *Engine) reject(reason Reason, u Update) Decision {
	e.stats.Rejections++
	e.stats.ByReason[reason]++
	metrics.DecisionsTotal.WithLabelValues(string(reason), "reject").Inc()
	return Decision{ShouldTranslate: false, Reason: reason}
}

// qualityCheck applies the ordered filter. Empty string means quality-ok.
func (e *Engine) qualityCheck(text string) Reason {
	if strings.TrimSpace(text) == "" {
		return ReasonEmptyText
	}
	words := strings.Fields(text)
	if len(words) < e.opts.MinWords {
		return ReasonTooFewWords
	}
	if fillerOnly(words) {
		return ReasonFillerWordsOnly
	}
	if utf8.RuneCountInString(text) < minCharCount {
		return ReasonTooShort
	}
	return ""
}

// fillerOnly reports whether nothing but filler words remain after stripping
// trailing punctuation.
func fillerOnly(words []string) bool {
	for i := 0; i < len(words); i++ {
		w := strings.TrimRight(strings.ToLower(words[i]), ".,!?;:")
		if w == "" {
			continue
		}
		if w == "you" && i+1 < len(words) {
			next := strings.TrimRight(strings.ToLower(words[i+1]), ".,!?;:")
			if next == "know" {
				i++
				continue
			}
		}
		if !fillerWords[w] {
			return false
		}
	}
	return true
}

// IsSentenceEnding reports whether trimmed text ends in a sentence
// terminator. Two or more trailing dots (an ellipsis) do not count.
func IsSentenceEnding(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	r := []rune(t)
	switch r[len(r)-1] {
	case '.', '!', '?', '。', '！', '？':
	default:
		return false
	}
	if r[len(r)-1] == '.' && len(r) >= 2 && r[len(r)-2] == '.' {
		return false
	}
	return true
}

// NewText extracts the portion of fullText not yet fed into a translation.
// Empty means duplicate.
func (e *Engine) NewText(fullText string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.newTextLocked(fullText)
}

func (e *Engine) newTextLocked(fullText string) string {
	cur := strings.TrimSpace(fullText)
	if cur == "" {
		return ""
	}
	last := strings.TrimSpace(e.lastTranslatedText)
	if last == "" {
		return cur
	}

	curLower := strings.ToLower(cur)
	lastLower := strings.ToLower(last)
	if curLower == lastLower {
		return ""
	}

	// Subset duplicate. The word-count guard matters after an ASR restart:
	// the retained tail can coincidentally contain a new short utterance.
	if strings.Contains(lastLower, curLower) && wordCount(cur) <= wordCount(last) {
		return ""
	}

	if rest, ok := trimPrefixFold(cur, last); ok {
		return strings.TrimSpace(rest)
	}

	if WordOverlap(curLower, lastLower) > e.opts.PreOverlapThreshold {
		return ""
	}

	return cur
}

// IsDuplicateTranslation checks an MT output against the recent-translations
// window.
func (e *Engine) IsDuplicateTranslation(t string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.evictLocked(e.clock())
	tl := strings.ToLower(strings.TrimSpace(t))
	if tl == "" {
		return false
	}
	for _, entry := range e.recent {
		el := strings.ToLower(entry.text)
		if el == tl {
			return true
		}
		shorter, longer := tl, el
		if utf8.RuneCountInString(shorter) > utf8.RuneCountInString(longer) {
			shorter, longer = longer, shorter
		}
		if strings.Contains(longer, shorter) {
			ratio := float64(utf8.RuneCountInString(shorter)) / float64(utf8.RuneCountInString(longer))
			if ratio >= e.opts.PostOverlapThreshold {
				return true
			}
		}
		if WordOverlap(tl, el) >= e.opts.PostOverlapThreshold {
			return true
		}
	}
	return false
}

// RecordTranslation appends an emitted output to the dedup window.
func (e *Engine) RecordTranslation(t string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	e.evictLocked(now)
	e.recent = append(e.recent, recentEntry{text: strings.TrimSpace(t), at: now})
}

func (e *Engine) evictLocked(now time.Time) {
	cutoff := now.Add(-e.opts.DedupWindow)
	i := 0
	for i < len(e.recent) && e.recent[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		e.recent = append(e.recent[:0], e.recent[i:]...)
	}
}

// LastTranslatedText returns the bounded tail most recently fed to MT.
func (e *Engine) LastTranslatedText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTranslatedText
}

// Stats returns a copy of the decision counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := Stats{
		Checks:     e.stats.Checks,
		Approvals:  e.stats.Approvals,
		Rejections: e.stats.Rejections,
		ByReason:   make(map[Reason]int, len(e.stats.ByReason)),
	}
	for k, v := range e.stats.ByReason {
		out.ByReason[k] = v
	}
	return out
}

// Options returns the effective engine options.
func (e *Engine) Options() Options {
	return e.opts
}

// WordOverlap is the multiset word-bag overlap of two strings: shared word
// count over the larger bag, so repeats do not inflate similarity.
func WordOverlap(a, b string) float64 {
	aw := strings.Fields(a)
	bw := strings.Fields(b)
	if len(aw) == 0 || len(bw) == 0 {
		return 0
	}
	counts := make(map[string]int, len(aw))
	for _, w := range aw {
		counts[w]++
	}
	common := 0
	for _, w := range bw {
		if counts[w] > 0 {
			counts[w]--
			common++
		}
	}
	max := len(aw)
	if len(bw) > max {
		max = len(bw)
	}
	return float64(common) / float64(max)
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// trimPrefixFold strips prefix from s under simple case folding, returning
// the remainder and whether the prefix matched.
func trimPrefixFold(s, prefix string) (string, bool) {
	rest := s
	for _, pr := range prefix {
		r, size := utf8.DecodeRuneInString(rest)
		if size == 0 {
			return "", false
		}
		if unicode.ToLower(r) != unicode.ToLower(pr) {
			return "", false
		}
		rest = rest[size:]
	}
	return rest, true
}

// TailRunes returns the trailing n runes of s.
func TailRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
