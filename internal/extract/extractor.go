package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pavelanni/grader/internal/model"
)

// Extractor is the external extraction capability: it turns raw document
// content into model text that should hold a Q/A JSON document.
type Extractor interface {
	Extract(ctx context.Context, doc model.Document) (string, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, doc model.Document) (string, error)

// Extract calls f.
func (f ExtractorFunc) Extract(ctx context.Context, doc model.Document) (string, error) {
	return f(ctx, doc)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

const (
	defaultBackoff = 500 * time.Millisecond
	maxBackoff     = 8 * time.Second
)

// Guarded wraps an Extractor with a rate limit, a per-attempt timeout and
// retries with exponential backoff.
type Guarded struct {
	next     Extractor
	limiter  *rate.Limiter
	timeout  time.Duration
	attempts int

	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration
}

// NewGuarded builds a Guarded extractor from the grading config.
func NewGuarded(next Extractor, cfg model.GradingConfig) *Guarded {
	g := &Guarded{
		next:     next,
		timeout:  cfg.ExtractTimeout,
		attempts: cfg.ExtractAttempts,
		Backoff:  defaultBackoff,
	}
	if cfg.ExtractRate > 0 {
		burst := int(cfg.ExtractRate)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.ExtractRate), burst)
	}
	if g.attempts < 1 {
		g.attempts = 1
	}
	return g
}

// Extract calls the wrapped extractor until it succeeds, the error is
// permanent, attempts run out or ctx is done.
func (g *Guarded) Extract(ctx context.Context, doc model.Document) (string, error) {
	var lastErr error
	delay := g.Backoff
	for attempt := 1; attempt <= g.attempts; attempt++ {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return "", fmt.Errorf("wait for extraction slot: %w", err)
			}
		}

		out, err := g.once(ctx, doc)
		if err == nil && strings.TrimSpace(out) == "" {
			err = ErrEmptyOutput
		}
		if err == nil {
			return out, nil
		}
		lastErr = err
		if isPermanent(err) || ctx.Err() != nil {
			break
		}
		slog.Warn("extraction attempt failed", "ref", doc.Ref, "attempt", attempt, "error", err)

		if attempt < g.attempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, maxBackoff)
		}
	}
	return "", fmt.Errorf("extract %s: %w", doc.Ref, lastErr)
}

func (g *Guarded) once(ctx context.Context, doc model.Document) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return g.next.Extract(ctx, doc)
}

// Records runs the extractor on doc and normalizes its output. Like
// Normalize, a PartiallyMalformed error comes with the usable records.
func Records(ctx context.Context, ex Extractor, doc model.Document) (Result, error) {
	out, err := ex.Extract(ctx, doc)
	if err != nil {
		return Result{}, err
	}
	return Normalize(out)
}
