// Package cascade implements the ordered provider cascade and its
// first-byte-commit failover rule: once any byte of a provider's response
// has reached the caller, that provider is committed and no further
// candidate is tried. Failures before the first byte fail over silently to
// the next candidate in the cascade.
package cascade

import (
	"context"
	"fmt"
	"time"

	"github.com/scribeai/gateway/internal/metrics"
	"github.com/scribeai/gateway/internal/policy"
	"github.com/scribeai/gateway/internal/providers"
)

// Resolver looks up the live Provider implementation for a provider name,
// or (nil, false) if the gateway has no adapter registered for it.
type Resolver interface {
	Provider(name string) (providers.Provider, bool)
}

// KeyVault is the narrow slice of internal/keyvault.Vault the cascade needs:
// the active admin key for a provider, if any.
type KeyVault interface {
	Key(ctx context.Context, provider string) (string, error)
}

// Event is one unit of cascade output: either a content delta, or a
// terminal error. Exactly one terminal Event (Done or Err set) ends a
// cascade run; content deltas may precede it in any number.
type Event struct {
	Content string
	Done    bool
	Err     *CascadeError
}

// CascadeError is the terminal failure shape for a cascade run. Kind is one
// of "all_providers_failed" (pre-commit, every candidate failed) or
// "provider_error" (post-commit, the committed provider failed mid-stream).
type CascadeError struct {
	Kind    string
	Message string
	Details []string
}

func (e *CascadeError) Error() string { return e.Message }

// Orchestrator drives a single request through an ordered cascade of
// providers, applying per-provider circuit breaking and first-byte-commit
// failover semantics.
type Orchestrator struct {
	resolver Resolver
	vault    KeyVault
	breaker  *CircuitBreaker
	metrics  *metrics.Registry
}

func New(resolver Resolver, vault KeyVault, breaker *CircuitBreaker, reg *metrics.Registry) *Orchestrator {
	if breaker == nil {
		breaker = NewCircuitBreaker()
	}
	return &Orchestrator{resolver: resolver, vault: vault, breaker: breaker, metrics: reg}
}

// Run attempts each cascade entry in order and sends Events on the returned
// channel until either a provider commits and finishes (Done), a committed
// provider fails mid-stream (Err, kind provider_error), or every candidate
// is exhausted before any commit (Err, kind all_providers_failed). The
// channel is always closed exactly once after the terminal event.
func (o *Orchestrator) Run(ctx context.Context, cascade []policy.CascadeEntry, req *providers.Request) <-chan Event {
	out := make(chan Event, 8)
	go o.run(ctx, cascade, req, out)
	return out
}

func (o *Orchestrator) run(ctx context.Context, cascade []policy.CascadeEntry, req *providers.Request, out chan<- Event) {
	defer close(out)

	var details []string
	primary := ""
	if len(cascade) > 0 {
		primary = cascade[0].Provider
	}

	for i, entry := range cascade {
		provider, ok := o.resolver.Provider(entry.Provider)
		if !ok {
			details = append(details, fmt.Sprintf("%s: not_configured", entry.Provider))
			continue
		}

		if !o.breaker.Allow(entry.Provider) {
			o.metrics.RecordCircuitBreakerRejection(entry.Provider, o.breaker.StateLabel(entry.Provider))
			details = append(details, fmt.Sprintf("%s: circuit_open", entry.Provider))
			continue
		}

		key, err := o.vault.Key(ctx, entry.Provider)
		if err != nil {
			details = append(details, fmt.Sprintf("%s: no_active_key", entry.Provider))
			continue
		}

		attemptReq := *req
		attemptReq.Model = entry.Model
		attemptReq.APIKey = key

		if i > 0 {
			o.metrics.RecordFailover(primary, cascade[i-1].Provider, entry.Provider, "pre_commit")
		}

		committed, failDetail := o.attempt(ctx, provider, entry.Provider, &attemptReq, out)
		if committed {
			if i > 0 {
				o.metrics.RecordFailoverSuccess(primary, entry.Provider)
			}
			return
		}
		details = append(details, failDetail)
	}

	o.metrics.RecordFailoverExhausted(primary)
	out <- Event{Err: &CascadeError{
		Kind:    "all_providers_failed",
		Message: "every provider in the cascade failed before responding",
		Details: details,
	}}
}

// attempt opens a stream for one provider and peeks its first chunk before
// declaring the provider committed. committed=false means the caller should
// try the next cascade candidate; committed=true means this function is the
// end of the road for this request, success or failure.
func (o *Orchestrator) attempt(ctx context.Context, provider providers.Provider, name string, req *providers.Request, out chan<- Event) (committed bool, failDetail string) {
	start := time.Now()
	chunks, cancel, err := provider.Stream(ctx, req)
	if err != nil {
		o.breaker.RecordFailure(name)
		o.metrics.ObserveUpstreamAttempt(name, "stream", "connect_error", time.Since(start))
		o.metrics.RecordError(name, classifyErr(err))
		return false, fmt.Sprintf("%s: %s", name, err.Error())
	}
	defer cancel()

	first, ok := <-chunks
	if !ok {
		o.breaker.RecordFailure(name)
		o.metrics.ObserveUpstreamAttempt(name, "stream", "empty_stream", time.Since(start))
		return false, fmt.Sprintf("%s: empty stream", name)
	}
	if first.Err != nil {
		o.breaker.RecordFailure(name)
		o.metrics.ObserveUpstreamAttempt(name, "stream", "error", time.Since(start))
		o.metrics.RecordError(name, classifyErr(first.Err))
		return false, fmt.Sprintf("%s: %s", name, first.Err.Error())
	}

	// First byte (or a clean immediate Done) reached here: the provider is
	// committed. Any failure from this point forward must surface as a
	// terminal provider_error, never a silent failover.
	o.breaker.RecordSuccess(name)
	o.metrics.ObserveUpstreamAttempt(name, "stream", "ok", time.Since(start))

	if first.Content != "" {
		out <- Event{Content: first.Content}
	}
	if first.Done {
		out <- Event{Done: true}
		return true, ""
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			o.metrics.RecordError(name, classifyErr(chunk.Err))
			out <- Event{Err: &CascadeError{
				Kind:    "provider_error",
				Message: chunk.Err.Error(),
			}}
			return true, ""
		}
		if chunk.Content != "" {
			out <- Event{Content: chunk.Content}
		}
		if chunk.Done {
			out <- Event{Done: true}
			return true, ""
		}
	}

	out <- Event{Done: true}
	return true, ""
}

func classifyErr(err error) string {
	if sc, ok := err.(providers.StatusCoder); ok {
		status := sc.HTTPStatus()
		switch {
		case status == 429:
			return "rate_limited"
		case status >= 500:
			return "upstream_5xx"
		case status >= 400:
			return "upstream_4xx"
		}
	}
	return "unknown"
}
