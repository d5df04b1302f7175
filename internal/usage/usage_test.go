package usage

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/ygo74/openai-proxy/internal/domain"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(&domain.TokenUsage{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return New(gdb)
}

func TestRecord_TotalTokensInvariant(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	u := domain.NewTokenUsage("u1", "gpt-4o", 10, 5, "/v1/chat/completions", "r1", time.Now())
	if err := l.Record(ctx, u); err != nil {
		t.Fatal(err)
	}

	sum, err := l.GetUserUsageSummary(ctx, "u1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalTokens != 15 || sum.RequestCount != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestGetUserUsageSummary_FiltersOutsideWindow(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	old := domain.NewTokenUsage("u1", "gpt-4o", 100, 100, "/v1/chat/completions", "r-old", time.Now().AddDate(0, 0, -30))
	recent := domain.NewTokenUsage("u1", "gpt-4o", 10, 10, "/v1/chat/completions", "r-new", time.Now())
	if err := l.Record(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := l.Record(ctx, recent); err != nil {
		t.Fatal(err)
	}

	sum, err := l.GetUserUsageSummary(ctx, "u1", 7)
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalTokens != 20 || sum.RequestCount != 1 {
		t.Fatalf("expected the 7-day window to exclude the 30-day-old record, got %+v", sum)
	}
}

func TestGetUserUsageDetails_GroupsByModel(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_ = l.Record(ctx, domain.NewTokenUsage("u1", "gpt-4o", 10, 5, "/v1/chat/completions", "r1", time.Now()))
	_ = l.Record(ctx, domain.NewTokenUsage("u1", "gpt-4o", 20, 5, "/v1/chat/completions", "r2", time.Now()))
	_ = l.Record(ctx, domain.NewTokenUsage("u1", "claude-3", 1, 1, "/v1/chat/completions", "r3", time.Now()))
	_ = l.Record(ctx, domain.NewTokenUsage("u2", "gpt-4o", 99, 99, "/v1/chat/completions", "r4", time.Now()))

	details, err := l.GetUserUsageDetails(ctx, "u1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(details) != 2 {
		t.Fatalf("expected two distinct models for u1, got %+v", details)
	}
	if details[0].Model != "gpt-4o" || details[0].TotalTokens != 40 {
		t.Fatalf("expected gpt-4o to lead with 40 total tokens, got %+v", details[0])
	}
}
