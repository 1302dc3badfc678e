// Package policy resolves plan limits, admission, and the provider cascade
// for a single AI request. It holds no I/O — every input is passed in by the
// caller, which makes it trivial to unit test against the plan table.
package policy

import (
	"github.com/scribeai/gateway/internal/providers"
)

// Plan is a subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Mode selects which half of the model catalog a request draws from.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeSmart    Mode = "smart"
)

// CascadeEntry is one (provider, model) pair in an ordered cascade.
type CascadeEntry struct {
	Provider string
	Model    string
}

// Limits describes one plan's quotas.
type Limits struct {
	DailyLimit           int // <=0 means unlimited
	MaxTokens            int
	SmartModeAllowed     bool
	TranscriptionAllowed bool
}

// DefaultPlanTable is the example shape from §4.2; production values are
// expected to come from configuration, but these are sane standalone
// defaults for tests and for an otherwise-unconfigured deployment.
// Transcription is gated the same way smart mode is: a paid-plan feature,
// off for free.
var DefaultPlanTable = map[Plan]Limits{
	PlanFree:       {DailyLimit: 50, MaxTokens: 1024, SmartModeAllowed: false, TranscriptionAllowed: false},
	PlanPro:        {DailyLimit: 0, MaxTokens: 2048, SmartModeAllowed: false, TranscriptionAllowed: true},
	PlanEnterprise: {DailyLimit: 0, MaxTokens: 4096, SmartModeAllowed: true, TranscriptionAllowed: true},
}

// Catalog maps (plan, mode) to the ordered cascade of (provider, model) to
// attempt. Providers lacking an active admin key are filtered out by
// Engine.Resolve, not here — the catalog is the unfiltered canonical order.
type Catalog map[Plan]map[Mode][]CascadeEntry

// DefaultCatalog is a representative catalog; real deployments load their
// own from configuration.
var DefaultCatalog = Catalog{
	PlanFree: {
		ModeStandard: {{Provider: "openai", Model: "gpt-4o-mini"}, {Provider: "anthropic", Model: "claude-3-5-haiku-20241022"}},
	},
	PlanPro: {
		ModeStandard: {{Provider: "openai", Model: "gpt-4o"}, {Provider: "anthropic", Model: "claude-3-5-sonnet-20241022"}, {Provider: "gemini", Model: "gemini-1.5-pro"}},
	},
	PlanEnterprise: {
		ModeStandard: {{Provider: "openai", Model: "gpt-4o"}, {Provider: "anthropic", Model: "claude-3-5-sonnet-20241022"}, {Provider: "gemini", Model: "gemini-1.5-pro"}},
		ModeSmart:     {{Provider: "openai", Model: "gpt-5"}, {Provider: "anthropic", Model: "claude-sonnet-4-5"}, {Provider: "gemini", Model: "gemini-2.5-pro"}},
	},
}

// Reason is a canonical denial identifier, matching §7's error kinds.
type Reason string

const (
	ReasonSmartModeNotAvailable Reason = "smart_mode_not_available"
	ReasonDailyLimitReached     Reason = "daily_limit_reached"
	ReasonProviderNotConfigured Reason = "provider_not_configured"
	ReasonUnsupportedModel      Reason = "unsupported_model"
	ReasonNoProviders           Reason = "no_providers"
	ReasonTranscriptionNotAvailable Reason = "transcription_not_available"
)

// DenialError is returned by Resolve on admission failure.
type DenialError struct{ Reason Reason }

func (e *DenialError) Error() string { return string(e.Reason) }

// Input bundles everything the engine needs to decide admission for one
// request. ConfiguredProviders is the set of providers with an active admin
// key, as reported by KeyVault.
type Input struct {
	Plan                Plan
	RequestedProvider   string // optional pin; empty means "let the cascade decide"
	SmartMode           bool
	DailyRequestCount   int
	RequestedMaxTokens  int
	ConfiguredProviders map[string]bool
	Streaming           bool
}

// Decision is the admitted outcome of Resolve.
type Decision struct {
	Model     string
	MaxTokens int
	Cascade   []CascadeEntry // populated only for Streaming requests
}

// Engine resolves policy decisions against a plan table and model catalog.
type Engine struct {
	plans   map[Plan]Limits
	catalog Catalog
}

// New builds an Engine from configuration. Pass nil for either to use the
// package defaults.
func New(plans map[Plan]Limits, catalog Catalog) *Engine {
	if plans == nil {
		plans = DefaultPlanTable
	}
	if catalog == nil {
		catalog = DefaultCatalog
	}
	return &Engine{plans: plans, catalog: catalog}
}

// Limits returns the quota table for plan, coercing unknown plans to free —
// the same fallback Resolve applies. Used by the license/validate endpoint
// to report a user's current quota without running full admission.
func (e *Engine) Limits(plan Plan) Limits {
	if l, ok := e.plans[plan]; ok {
		return l
	}
	return e.plans[PlanFree]
}

// CheckTranscription evaluates the one admission rule specific to
// mintTranscriptionToken: the plan must permit transcription. Unknown plans
// fall back to free, matching Resolve and Limits.
func (e *Engine) CheckTranscription(plan Plan) error {
	limits, ok := e.plans[plan]
	if !ok {
		limits = e.plans[PlanFree]
	}
	if !limits.TranscriptionAllowed {
		return &DenialError{Reason: ReasonTranscriptionNotAvailable}
	}
	return nil
}

// Resolve evaluates the ordered rules in §4.2 and returns an admission
// decision or a DenialError.
func (e *Engine) Resolve(in Input) (*Decision, error) {
	plan := in.Plan
	limits, ok := e.plans[plan]
	if !ok {
		plan = PlanFree
		limits = e.plans[PlanFree]
	}

	if in.SmartMode && !limits.SmartModeAllowed {
		return nil, &DenialError{Reason: ReasonSmartModeNotAvailable}
	}

	if limits.DailyLimit > 0 && in.DailyRequestCount >= limits.DailyLimit {
		return nil, &DenialError{Reason: ReasonDailyLimitReached}
	}

	if in.RequestedProvider != "" && !in.ConfiguredProviders[in.RequestedProvider] {
		return nil, &DenialError{Reason: ReasonProviderNotConfigured}
	}

	mode := ModeStandard
	if in.SmartMode {
		mode = ModeSmart
	}

	entries := e.catalog[plan][mode]
	if in.RequestedProvider != "" {
		entries = filterByProvider(entries, in.RequestedProvider)
	}

	maxTokens := limits.MaxTokens
	if in.RequestedMaxTokens > 0 && in.RequestedMaxTokens < maxTokens {
		maxTokens = in.RequestedMaxTokens
	}

	if !in.Streaming {
		if len(entries) == 0 {
			return nil, &DenialError{Reason: ReasonUnsupportedModel}
		}
		model, err := resolveSingleModel(entries, in.RequestedProvider)
		if err != nil {
			return nil, err
		}
		return &Decision{Model: model, MaxTokens: maxTokens}, nil
	}

	cascade := filterConfigured(entries, in.ConfiguredProviders)
	if len(cascade) == 0 {
		return nil, &DenialError{Reason: ReasonNoProviders}
	}

	return &Decision{MaxTokens: maxTokens, Cascade: cascade}, nil
}

func filterByProvider(entries []CascadeEntry, provider string) []CascadeEntry {
	out := make([]CascadeEntry, 0, 1)
	for _, e := range entries {
		if e.Provider == provider {
			out = append(out, e)
		}
	}
	return out
}

func filterConfigured(entries []CascadeEntry, configured map[string]bool) []CascadeEntry {
	out := make([]CascadeEntry, 0, len(entries))
	for _, e := range entries {
		if configured[e.Provider] {
			out = append(out, e)
		}
	}
	return out
}

func resolveSingleModel(entries []CascadeEntry, provider string) (string, error) {
	for _, e := range entries {
		if provider == "" || e.Provider == provider {
			return e.Model, nil
		}
	}
	return "", &DenialError{Reason: ReasonUnsupportedModel}
}

// ResolveProvider looks up the provider family for an arbitrary model id,
// used by the non-streaming single-provider endpoint when the caller names
// a model directly instead of pinning a provider. Unknown models return
// ("", false) so the caller can deny with unsupported_model.
func ResolveProvider(model string) (string, bool) {
	name, ok := providers.ModelAliases[model]
	return name, ok
}
