package knowledge_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/scribeai/gateway/internal/cache"
	"github.com/scribeai/gateway/internal/knowledge"
)

func newTestRetriever(t *testing.T) (*knowledge.CacheRetriever, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewExactCacheFromClient(client)
	return knowledge.NewCacheRetriever(c), func() {
		client.Close()
		mr.Close()
	}
}

func TestInject_NonEnterpriseSkipsRetrieval(t *testing.T) {
	retriever, cleanup := newTestRetriever(t)
	defer cleanup()
	inj := knowledge.New(retriever)

	merged, record := inj.Inject(context.Background(), "u1", "how do I reset my password", "base prompt", false)
	if merged != "base prompt" {
		t.Fatalf("expected unchanged prompt, got %q", merged)
	}
	record(context.Background(), true) // must not panic
}

func TestInject_MergesMatchingAtoms(t *testing.T) {
	retriever, cleanup := newTestRetriever(t)
	defer cleanup()
	ctx := context.Background()

	if err := retriever.Seed(ctx, "u1", []knowledge.Atom{
		{ID: "a1", Content: "password resets require the admin console"},
		{ID: "a2", Content: "unrelated atom"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	inj := knowledge.New(retriever)
	merged, record := inj.Inject(ctx, "u1", "password reset", "base prompt", true)

	if merged == "base prompt" {
		t.Fatal("expected atoms to be merged into the prompt")
	}
	if !contains(merged, "base prompt") {
		t.Fatalf("expected base prompt preserved verbatim, got %q", merged)
	}
	if !contains(merged, "admin console") {
		t.Fatalf("expected matching atom content in merged prompt, got %q", merged)
	}

	record(ctx, true)

	if err := retriever.RecordUsage(ctx, nil); err != nil {
		t.Fatalf("record usage no-op: %v", err)
	}
}

func TestInject_NoAtomsLeavesPromptUnchanged(t *testing.T) {
	retriever, cleanup := newTestRetriever(t)
	defer cleanup()
	inj := knowledge.New(retriever)

	merged, _ := inj.Inject(context.Background(), "u-with-no-atoms", "anything", "base prompt", true)
	if merged != "base prompt" {
		t.Fatalf("expected unchanged prompt when no atoms exist, got %q", merged)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (haystack == needle || len(needle) == 0 ||
		indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
