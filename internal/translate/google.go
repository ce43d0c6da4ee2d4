package translate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	translate "cloud.google.com/go/translate/apiv3"
	"cloud.google.com/go/translate/apiv3/translatepb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mikesibiu/BudgetTranslate/internal/metrics"
)

// Options configures a GoogleTranslator.
type Options struct {
	Project         string
	Location        string
	Model           string // "nmt" | "advanced"
	GlossaryEnabled bool
	CredentialsJSON string
}

const (
	maxAttempts  = 3
	baseBackoff  = 1 * time.Second
	maxBackoff   = 5 * time.Second
	glossaryRoEn = "glossary_ro_en"
	glossaryEnRo = "glossary_en_ro"
)

// api is the slice of the generated client the translator needs; tests
// substitute a fake.
type api interface {
	TranslateText(ctx context.Context, req *translatepb.TranslateTextRequest, opts ...gax.CallOption) (*translatepb.TranslateTextResponse, error)
	Close() error
}

// GoogleTranslator translates text through the Cloud Translation v3 API with
// per-direction glossaries and bounded retries.
type GoogleTranslator struct {
	client api
	opts   Options

	backoffBase time.Duration
	backoffMax  time.Duration
}

// NewGoogle creates a translator. Credentials come from Options when inline
// JSON was supplied, otherwise from the ambient application credentials.
func NewGoogle(ctx context.Context, opts Options) (*GoogleTranslator, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsJSON != "" {
		clientOpts = append(clientOpts, option.WithCredentialsJSON([]byte(opts.CredentialsJSON)))
	}
	client, err := translate.NewTranslationClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create translation client: %w", err)
	}
	return &GoogleTranslator{
		client:      client,
		opts:        opts,
		backoffBase: baseBackoff,
		backoffMax:  maxBackoff,
	}, nil
}

// Translate translates text from sourceLang to targetLang. Retries up to 3
// attempts with exponential backoff on transient faults. A missing glossary
// disables the glossary for this call only and does not consume an attempt.
func (t *GoogleTranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	glossary := t.glossaryID(sourceLang, targetLang)
	useGlossary := t.opts.GlossaryEnabled && glossary != ""

	var lastErr error
	delay := t.backoffBase
	if delay <= 0 {
		delay = baseBackoff
	}
	maxDelay := t.backoffMax
	if maxDelay <= 0 {
		maxDelay = maxBackoff
	}
	attempt := 0
	for attempt < maxAttempts {
		start := time.Now()
		out, err := t.call(ctx, text, sourceLang, targetLang, glossary, useGlossary)
		if err == nil {
			metrics.MTLatency.Observe(float64(time.Since(start).Milliseconds()))
			return out, nil
		}
		lastErr = err

		if useGlossary && isGlossaryError(err) {
			slog.Warn("glossary unavailable, retrying without", "glossary", glossary, "err", err)
			useGlossary = false
			continue
		}

		attempt++
		if attempt >= maxAttempts || !isRetryable(err) {
			break
		}
		slog.Warn("translate failed, retrying", "attempt", attempt, "backoff", delay, "err", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return "", fmt.Errorf("translate %s→%s after %d attempts: %w", sourceLang, targetLang, attempt, lastErr)
}

func (t *GoogleTranslator) call(ctx context.Context, text, sourceLang, targetLang, glossary string, useGlossary bool) (string, error) {
	parent := fmt.Sprintf("projects/%s/locations/%s", t.opts.Project, t.opts.Location)
	req := &translatepb.TranslateTextRequest{
		Parent:             parent,
		Contents:           []string{text},
		MimeType:           "text/plain",
		SourceLanguageCode: sourceLang,
		TargetLanguageCode: targetLang,
	}
	if t.opts.Model == "nmt" {
		req.Model = fmt.Sprintf("%s/models/general/nmt", parent)
	}
	if useGlossary {
		req.GlossaryConfig = &translatepb.TranslateTextGlossaryConfig{
			Glossary:   fmt.Sprintf("%s/glossaries/%s", parent, glossary),
			IgnoreCase: true,
		}
	}

	resp, err := t.client.TranslateText(ctx, req)
	if err != nil {
		return "", err
	}
	if useGlossary && len(resp.GetGlossaryTranslations()) > 0 {
		return strings.TrimSpace(resp.GetGlossaryTranslations()[0].GetTranslatedText()), nil
	}
	if len(resp.GetTranslations()) == 0 {
		return "", fmt.Errorf("empty translation response")
	}
	return strings.TrimSpace(resp.GetTranslations()[0].GetTranslatedText()), nil
}

// glossaryID maps a language pair to its named glossary. Only the two
// Romanian/English directions carry one.
func (t *GoogleTranslator) glossaryID(sourceLang, targetLang string) string {
	src := baseLang(sourceLang)
	tgt := baseLang(targetLang)
	switch {
	case src == "ro" && tgt == "en":
		return glossaryRoEn
	case src == "en" && tgt == "ro":
		return glossaryEnRo
	}
	return ""
}

func baseLang(tag string) string {
	return strings.ToLower(strings.SplitN(tag, "-", 2)[0])
}

// isRetryable classifies transient MT faults: UNAVAILABLE, RESOURCE_EXHAUSTED,
// HTTP 503/429 leaking through messages, and transport resets/timeouts.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.ResourceExhausted:
			return true
		}
	}
	msg := err.Error()
	for _, needle := range []string{"503", "429", "connection reset", "ECONNRESET", "ETIMEDOUT", "i/o timeout"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// isGlossaryError detects a missing or broken glossary.
func isGlossaryError(err error) bool {
	if err == nil {
		return false
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.NotFound {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "glossary")
}

func (t *GoogleTranslator) Close() error {
	return t.client.Close()
}
