// Package knowledge implements the enterprise-plan context injector: it
// retrieves relevant knowledge atoms for a user's message, merges them into
// the outgoing system prompt, and records which atoms were used once the
// response completes.
//
// The knowledge-atom store itself is an external collaborator — this
// package depends on a narrow KnowledgeRetriever interface, not an
// implementation of vector search. A cache-backed stub satisfies that
// interface for testing and for deployments with no real vector store,
// built on the same internal/cache.Cache abstraction the gateway's
// response cache uses, rather than talking to Redis directly.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/scribeai/gateway/internal/cache"
)

const (
	maxResults     = 5
	minSimilarity  = 0.4
	boostHelpful   = true
	retrieveTimeout = 500 * time.Millisecond
)

// Atom is one unit of retrieved context.
type Atom struct {
	ID      string
	Content string
}

// RetrieveOpts mirrors the tuning knobs a real vector-search backend would
// take; the stub implementation below only honors MaxResults.
type RetrieveOpts struct {
	MaxResults    int
	MinSimilarity float64
	BoostHelpful  bool
}

// KnowledgeRetriever is the external collaborator this package depends on.
type KnowledgeRetriever interface {
	Retrieve(ctx context.Context, userID, query string, opts RetrieveOpts) ([]Atom, error)
	RecordUsage(ctx context.Context, atomIDs []string) error
}

// Injector applies ContextInjector's system-prompt merge for enterprise-plan
// requests.
type Injector struct {
	retriever KnowledgeRetriever
}

func New(retriever KnowledgeRetriever) *Injector {
	return &Injector{retriever: retriever}
}

// Inject merges retrieved knowledge atoms into systemPrompt for an
// enterprise-plan user. On any retrieval error, or when isEnterprise is
// false, it returns systemPrompt unchanged and a nil (no-op) usage
// recorder — this never fails the request.
func (i *Injector) Inject(ctx context.Context, userID, userMessage, systemPrompt string, isEnterprise bool) (mergedPrompt string, recordUsage func(context.Context, bool)) {
	noop := func(context.Context, bool) {}
	if !isEnterprise || i.retriever == nil {
		return systemPrompt, noop
	}

	rctx, cancel := context.WithTimeout(ctx, retrieveTimeout)
	defer cancel()

	atoms, err := i.retriever.Retrieve(rctx, userID, userMessage, RetrieveOpts{
		MaxResults:    maxResults,
		MinSimilarity: minSimilarity,
		BoostHelpful:  boostHelpful,
	})
	if err != nil {
		slog.WarnContext(ctx, "knowledge_retrieve_error", slog.String("user_id", userID), slog.String("error", err.Error()))
		return systemPrompt, noop
	}
	if len(atoms) == 0 {
		return systemPrompt, noop
	}

	ids := make([]string, len(atoms))
	var block strings.Builder
	block.WriteString("Relevant context:\n")
	for idx, a := range atoms {
		ids[idx] = a.ID
		fmt.Fprintf(&block, "- %s\n", a.Content)
	}

	merged := systemPrompt + "\n" + block.String()

	record := func(recordCtx context.Context, streamSucceeded bool) {
		if !streamSucceeded {
			return
		}
		if err := i.retriever.RecordUsage(recordCtx, ids); err != nil {
			slog.WarnContext(recordCtx, "knowledge_record_usage_error", slog.String("user_id", userID), slog.String("error", err.Error()))
		}
	}
	return merged, record
}

// atomTTL is how long a seeded atom set lives before it must be reseeded.
// The stub has no reseed/expiry signal of its own, so it picks a generous
// fixed window rather than storing forever.
const atomTTL = 24 * time.Hour

// CacheRetriever is a cache.Cache-backed KnowledgeRetriever stub. Atoms are
// stored as a JSON list under a per-user key; Retrieve does a naive
// substring match against userMessage rather than real vector similarity —
// enough to exercise the injector end-to-end without standing up a vector
// store. It is deliberately built on the narrow cache.Cache interface
// (the same one the gateway's response cache uses) instead of a raw Redis
// client, so swapping the backing cache mode (redis, in-process memory)
// also changes where knowledge atoms live, with no code change here.
type CacheRetriever struct {
	c cache.Cache
}

func NewCacheRetriever(c cache.Cache) *CacheRetriever {
	return &CacheRetriever{c: c}
}

func atomsKey(userID string) string { return "knowledge:atoms:" + userID }
func usageKey(atomID string) string { return "knowledge:usage:" + atomID }

type storedAtom struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// Seed stores atoms for a user, overwriting any previously seeded set.
// Production deployments replace this stub with a real vector store behind
// the same KnowledgeRetriever interface.
func (r *CacheRetriever) Seed(ctx context.Context, userID string, atoms []Atom) error {
	stored := make([]storedAtom, len(atoms))
	for i, a := range atoms {
		stored[i] = storedAtom{ID: a.ID, Content: a.Content}
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("knowledge: marshal seed: %w", err)
	}
	return r.c.Set(ctx, atomsKey(userID), data, atomTTL)
}

func (r *CacheRetriever) Retrieve(ctx context.Context, userID, query string, opts RetrieveOpts) ([]Atom, error) {
	data, ok := r.c.Get(ctx, atomsKey(userID))
	if !ok {
		return nil, nil
	}

	var stored []storedAtom
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("knowledge: unmarshal atoms: %w", err)
	}

	limit := opts.MaxResults
	if limit <= 0 {
		limit = maxResults
	}

	queryLower := strings.ToLower(query)
	var matched []Atom
	for _, a := range stored {
		if queryLower == "" || strings.Contains(strings.ToLower(a.Content), queryLower) {
			matched = append(matched, Atom{ID: a.ID, Content: a.Content})
		}
		if len(matched) >= limit {
			break
		}
	}
	return matched, nil
}

// RecordUsage increments a per-atom usage counter. cache.Cache has no atomic
// increment, so this is a best-effort get-then-set: under concurrent calls
// for the same atom it can lose an increment. Acceptable for a usage-count
// stub that nothing else reads off the hot path.
func (r *CacheRetriever) RecordUsage(ctx context.Context, atomIDs []string) error {
	for _, id := range atomIDs {
		key := usageKey(id)
		count := 0
		if data, ok := r.c.Get(ctx, key); ok {
			if n, err := strconv.Atoi(string(data)); err == nil {
				count = n
			}
		}
		count++
		if err := r.c.Set(ctx, key, []byte(strconv.Itoa(count)), atomTTL); err != nil {
			return fmt.Errorf("knowledge: record usage for atom %s: %w", id, err)
		}
	}
	return nil
}
