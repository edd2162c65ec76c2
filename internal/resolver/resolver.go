package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"healnerd/internal/intent"

	"go.uber.org/zap"
)

// Element is a resolved, visible element the executor can act on.
type Element interface {
	Click(ctx context.Context) error
	Fill(ctx context.Context, value string) error
	WaitVisible(ctx context.Context) error
}

// Page is the probing surface the resolver needs. Probe must return only a
// visible element and give up when ctx expires.
type Page interface {
	Probe(ctx context.Context, p intent.Probe) (Element, error)
}

// NotResolvedError reports that no strategy of a target matched a visible element.
type NotResolvedError struct {
	Target string
	Tried  []intent.Strategy
	Last   error
}

func (e *NotResolvedError) Error() string {
	if len(e.Tried) == 0 {
		return fmt.Sprintf("target not resolved: %s (no usable facets)", e.Target)
	}
	return fmt.Sprintf("target not resolved: %s (tried %v): %v", e.Target, e.Tried, e.Last)
}

func (e *NotResolvedError) Unwrap() error { return e.Last }

// IsNotResolved reports whether err is a resolution failure.
func IsNotResolved(err error) bool {
	var nre *NotResolvedError
	return errors.As(err, &nre)
}

// Resolver walks a target's probes in priority order, each under the fast timeout.
type Resolver struct {
	page   Page
	fast   time.Duration
	logger *zap.Logger
}

func New(page Page, fast time.Duration, logger *zap.Logger) *Resolver {
	if fast <= 0 {
		fast = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{page: page, fast: fast, logger: logger}
}

// Resolve returns the first visible match and the strategy that found it.
// Probes never overlap: each one finishes or times out before the next starts.
func (r *Resolver) Resolve(ctx context.Context, t *intent.Target) (Element, intent.Strategy, error) {
	probes := t.Probes()
	if len(probes) == 0 {
		return nil, "", &NotResolvedError{Target: t.Brief()}
	}

	tried := make([]intent.Strategy, 0, len(probes))
	var last error
	for _, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, r.fast)
		el, err := r.page.Probe(pctx, p)
		cancel()

		if err == nil && el != nil {
			r.logger.Debug("target resolved", zap.String("target", t.Brief()), zap.String("strategy", string(p.Strategy)))
			return el, p.Strategy, nil
		}
		if err == nil {
			err = errors.New("probe returned no element")
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}

		tried = append(tried, p.Strategy)
		last = err
		r.logger.Debug("probe missed", zap.String("probe", p.String()), zap.Error(err))
	}

	return nil, "", &NotResolvedError{Target: t.Brief(), Tried: tried, Last: last}
}
