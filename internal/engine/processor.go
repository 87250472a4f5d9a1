/**
 * Page processor
 *
 * One page in, text out: preprocesses the rendered image, resolves the
 * language (including the auto-detect heuristic) and runs the configured
 * engine under a hard per-page timeout so a pathological page cannot hang the
 * whole job.
 */

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultPageTimeout bounds one engine invocation.
const DefaultPageTimeout = 30 * time.Second

// Auto-detect heuristic languages. This is a best-effort two-attempt probe,
// not a language classifier: try the first, fall back to the second when the
// result is empty, default to the first when both come back empty.
const (
	autoPrimaryLanguage  = "chi_sim"
	autoFallbackLanguage = "eng"
)

// PageProcessor applies preprocessing and runs OCR for single pages.
type PageProcessor struct {
	Engine  Engine
	Timeout time.Duration
}

// NewPageProcessor wraps an engine with the default timeout.
func NewPageProcessor(e Engine) *PageProcessor {
	return &PageProcessor{Engine: e, Timeout: DefaultPageTimeout}
}

// Name reports the underlying engine name.
func (p *PageProcessor) Name() string { return p.Engine.Name() }

// Process runs preprocessing and OCR for one page image and returns the
// recognized text.
func (p *PageProcessor) Process(ctx context.Context, png []byte, params Params) (string, error) {
	processed, err := Preprocess(png, params.Contrast, params.Brightness, params.Sharpen)
	if err != nil {
		return "", err
	}

	if params.Language != "auto" {
		return p.recognize(ctx, processed, params)
	}

	// Two-attempt auto-detect heuristic
	params.Language = autoPrimaryLanguage
	text, err := p.recognize(ctx, processed, params)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) != "" {
		return text, nil
	}

	params.Language = autoFallbackLanguage
	fallback, err := p.recognize(ctx, processed, params)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(fallback) != "" {
		return fallback, nil
	}

	// Both attempts empty; the primary language's (empty) result stands
	return text, nil
}

// recognize runs one engine invocation under the page timeout. Engines whose
// backend cannot be interrupted are abandoned at the deadline; the goroutine
// finishes on its own and its result is discarded.
func (p *PageProcessor) recognize(ctx context.Context, png []byte, params Params) (string, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultPageTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		text, err := p.Engine.Recognize(ctx, png, params)
		done <- outcome{text, err}
	}()

	select {
	case out := <-done:
		return out.text, out.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("OCR timed out after %v", timeout)
		}
		return "", ctx.Err()
	}
}
