package proxy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/retry"
)

// AttemptOutcome classifies one upstream call.
type AttemptOutcome string

const (
	AttemptSuccess     AttemptOutcome = "success"
	AttemptRateLimited AttemptOutcome = "rate_limited"
	AttemptOtherError  AttemptOutcome = "other_error"
)

// Attempt records one upstream call for logging and metrics.
type Attempt struct {
	Provider  string
	Model     string
	StartedAt time.Time
	Outcome   AttemptOutcome
	Latency   time.Duration
	Err       error
}

// Outcome describes how a request was served.
type Outcome struct {
	Completion *providers.Completion

	// Primary is the provider selected before any failover.
	Primary  string
	Provider string
	Model    string

	IsFailover  bool
	Substituted bool

	Attempts []Attempt
}

// FailoverRouter runs a request against the primary provider under the retry
// policy and, when the primary stays rate-limited, hops once to the other
// provider with that provider's default model.
//
//	SelectPrimary → AttemptPrimary → Success | PrimaryExhausted
//	PrimaryExhausted → AttemptSecondary → Success | Failed
//
// Only a final RateLimited error leads to PrimaryExhausted. The secondary's
// result is final.
type FailoverRouter struct {
	providers map[string]providers.Provider
	exec      *retry.Executor
	log       *slog.Logger
	metrics   *metrics.Registry
}

// NewFailoverRouter builds a router. log and met may be nil.
func NewFailoverRouter(provs map[string]providers.Provider, exec *retry.Executor, log *slog.Logger, met *metrics.Registry) *FailoverRouter {
	if exec == nil {
		panic("failover: retry executor must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &FailoverRouter{providers: provs, exec: exec, log: log, metrics: met}
}

// Route serves req. explicit is the caller's provider choice ("" or "auto"
// to infer it from the model). The returned Outcome carries the attempts
// made even when err is non-nil.
func (r *FailoverRouter) Route(ctx context.Context, req *providers.CompletionRequest, explicit string) (Outcome, error) {
	out, err := r.selectPrimary(req, explicit)
	if err != nil {
		return out, err
	}

	out, err = r.attemptPrimary(ctx, req, out)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, providers.ErrRateLimited) || ctx.Err() != nil {
		return out, err
	}

	return r.attemptSecondary(ctx, req, out, err)
}

func (r *FailoverRouter) selectPrimary(req *providers.CompletionRequest, explicit string) (Outcome, error) {
	primary, err := resolveProvider(explicit, req.Model)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Primary: primary}, nil
}

func (r *FailoverRouter) attemptPrimary(ctx context.Context, req *providers.CompletionRequest, out Outcome) (Outcome, error) {
	p, ok := r.providers[out.Primary]
	if !ok {
		return out, providers.NewError(providers.KindMissingCredential, out.Primary, "provider is not configured")
	}

	comp, attempts, err := r.run(ctx, p, req)
	out.Attempts = append(out.Attempts, attempts...)
	if err != nil {
		return out, err
	}
	return r.succeed(out, out.Primary, comp), nil
}

// attemptSecondary is entered with the primary's final RateLimited error,
// which is returned unchanged when no secondary can be tried.
func (r *FailoverRouter) attemptSecondary(ctx context.Context, req *providers.CompletionRequest, out Outcome, primaryErr error) (Outcome, error) {
	target := failoverTarget(out.Primary)

	p, ok := r.providers[target]
	if !ok || !providers.IsConfigured(p) {
		r.log.WarnContext(ctx, "failover_unavailable",
			slog.String("request_id", req.RequestID),
			slog.String("from", out.Primary),
			slog.String("to", target),
		)
		if r.metrics != nil {
			r.metrics.RecordFailoverExhausted(out.Primary)
		}
		return out, primaryErr
	}

	secondary := *req
	secondary.Model = p.DefaultModel()

	r.log.InfoContext(ctx, "failover_start",
		slog.String("request_id", req.RequestID),
		slog.String("from", out.Primary),
		slog.String("to", target),
		slog.String("model", secondary.Model),
		slog.Duration("retry_after", providers.RetryAfterOf(primaryErr)),
	)
	if r.metrics != nil {
		r.metrics.RecordFailover(out.Primary, target, providers.KindRateLimited.String())
	}

	comp, attempts, err := r.run(ctx, p, &secondary)
	out.Attempts = append(out.Attempts, attempts...)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordFailoverExhausted(out.Primary)
		}
		return out, err
	}

	out = r.succeed(out, target, comp)
	r.log.InfoContext(ctx, "failover_success",
		slog.String("request_id", req.RequestID),
		slog.String("from", out.Primary),
		slog.String("to", target),
		slog.String("model", out.Model),
	)
	if r.metrics != nil {
		r.metrics.RecordFailoverSuccess(out.Primary, target)
	}
	return out, nil
}

func (r *FailoverRouter) succeed(out Outcome, provider string, comp *providers.Completion) Outcome {
	out.Completion = comp
	out.Provider = provider
	out.Model = comp.Model
	out.Substituted = comp.Substituted
	out.IsFailover = out.Provider != out.Primary
	return out
}

// run executes one provider under the retry policy and records every call.
func (r *FailoverRouter) run(ctx context.Context, p providers.Provider, req *providers.CompletionRequest) (*providers.Completion, []Attempt, error) {
	name := p.Name()
	var attempts []Attempt

	comp, n, err := retry.Do(ctx, r.exec, func(ctx context.Context, i int) (*providers.Completion, error) {
		a := Attempt{Provider: name, Model: req.Model, StartedAt: time.Now()}
		c, err := p.Complete(ctx, req)
		a.Latency = time.Since(a.StartedAt)
		if err == nil && c == nil {
			err = providers.NewError(providers.KindMalformedResponse, name, "empty completion")
		}
		a.Err = err

		switch {
		case err == nil:
			a.Outcome = AttemptSuccess
			if c.Model != "" {
				a.Model = c.Model
			}
		case errors.Is(err, providers.ErrRateLimited):
			a.Outcome = AttemptRateLimited
		default:
			a.Outcome = AttemptOtherError
		}
		attempts = append(attempts, a)
		r.observe(ctx, req, a, i)
		return c, err
	})

	if r.metrics != nil {
		r.metrics.AddRetries(name, n-1)
	}
	if err != nil {
		return nil, attempts, err
	}
	return comp, attempts, nil
}

func (r *FailoverRouter) observe(ctx context.Context, req *providers.CompletionRequest, a Attempt, i int) {
	if r.metrics != nil {
		r.metrics.ObserveUpstreamAttempt(a.Provider, string(a.Outcome), a.Latency)
		if a.Err != nil {
			r.metrics.RecordError(a.Provider, providers.KindOf(a.Err).String())
		}
	}
	if a.Err == nil {
		return
	}
	r.log.WarnContext(ctx, "provider_attempt_failed",
		slog.String("request_id", req.RequestID),
		slog.String("provider", a.Provider),
		slog.String("model", a.Model),
		slog.Int("attempt", i+1),
		slog.String("outcome", string(a.Outcome)),
		slog.Int64("latency_ms", a.Latency.Milliseconds()),
		slog.String("error", a.Err.Error()),
	)
}
