package faststore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"relaymeter/internal/core"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client), mr
}

func testEvent() core.UsageEvent {
	return core.UsageEvent{
		OccurredAt: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC),
		AccountID:  "acct-1",
		APIKeyID:   "key-1",
		Model:      "claude-sonnet-4-20250514",
		Status:     core.StatusSuccess,
		Usage: core.Usage{
			InputTokens:     1000,
			OutputTokens:    500,
			CacheReadTokens: 200,
		},
	}
}

func TestIncrementUsageCounters(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ev := testEvent()
	if err := store.IncrementUsage(ctx, ev, 0.0123); err != nil {
		t.Fatal(err)
	}
	if err := store.IncrementUsage(ctx, ev, 0.0123); err != nil {
		t.Fatal(err)
	}

	daily, err := store.DailyUsage(ctx, "key-1", "2025-06-15")
	if err != nil {
		t.Fatal(err)
	}
	if daily["totalTokens"] != "3400" {
		t.Fatalf("totalTokens = %q, want 3400", daily["totalTokens"])
	}
	if daily["requests"] != "2" {
		t.Fatalf("requests = %q, want 2", daily["requests"])
	}

	cost, err := store.DailyCost(ctx, "key-1", "2025-06-15")
	if err != nil {
		t.Fatal(err)
	}
	if cost < 0.0245 || cost > 0.0247 {
		t.Fatalf("daily cost = %v, want ~0.0246", cost)
	}

	total, err := store.TotalCost(ctx, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if total < 0.0245 || total > 0.0247 {
		t.Fatalf("total cost = %v, want ~0.0246", total)
	}
}

func TestIncrementUsageErrorCounter(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ev := testEvent()
	ev.Status = core.StatusError
	if err := store.IncrementUsage(ctx, ev, 0); err != nil {
		t.Fatal(err)
	}

	daily, _ := store.DailyUsage(ctx, "key-1", "2025-06-15")
	if daily["errors"] != "1" {
		t.Fatalf("errors = %q, want 1", daily["errors"])
	}
}

func TestWeeklyPremiumCost(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

	// Non-premium model is a no-op.
	if err := store.IncrementWeeklyPremiumCost(ctx, "key-1", "claude-sonnet-4-20250514", 1.0, at); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetWeeklyPremiumCost(ctx, "key-1", at)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Fatalf("sonnet spend counted as premium: %v", got)
	}

	if err := store.IncrementWeeklyPremiumCost(ctx, "key-1", "claude-opus-4-1-20250805", 2.5, at); err != nil {
		t.Fatal(err)
	}
	if err := store.IncrementWeeklyPremiumCost(ctx, "key-1", "claude-opus-4-1-20250805", 1.5, at); err != nil {
		t.Fatal(err)
	}
	got, err = store.GetWeeklyPremiumCost(ctx, "key-1", at)
	if err != nil {
		t.Fatal(err)
	}
	if got != 4.0 {
		t.Fatalf("weekly premium cost = %v, want 4.0", got)
	}

	// A different ISO week reads zero.
	nextWeek := at.AddDate(0, 0, 7)
	got, _ = store.GetWeeklyPremiumCost(ctx, "key-1", nextWeek)
	if got != 0 {
		t.Fatalf("next week's counter = %v, want 0", got)
	}
}

func TestISOWeek(t *testing.T) {
	// 2025-06-15 is a Sunday in ISO week 24.
	if got := ISOWeek(time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)); got != "2025-W24" {
		t.Fatalf("ISOWeek = %q", got)
	}
	// Jan 1 2027 falls in week 53 of ISO year 2026.
	if got := ISOWeek(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)); got != "2026-W53" {
		t.Fatalf("ISOWeek = %q", got)
	}
}

func TestIncrementWindow(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.IncrementWindow(ctx, "key-1", 1500, 0.02, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if first.Requests != 1 || first.Tokens != 1500 {
		t.Fatalf("first request state = %+v", first)
	}
	if first.WindowStart.IsZero() {
		t.Fatal("window start not initialized")
	}

	second, err := store.IncrementWindow(ctx, "key-1", 500, 0.01, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if second.Requests != 2 || second.Tokens != 2000 {
		t.Fatalf("second request state = %+v", second)
	}
	if !second.WindowStart.Equal(first.WindowStart) {
		t.Fatalf("window start moved: %v vs %v", first.WindowStart, second.WindowStart)
	}
}

func TestIncrementWindowConcurrentFirstRequests(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const n = 32
	states := make([]WindowState, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := store.IncrementWindow(ctx, "key-1", 100, 0.001, time.Minute)
			if err != nil {
				t.Error(err)
				return
			}
			states[i] = st
		}(i)
	}
	wg.Wait()

	// Exactly one window start, no lost increments.
	start := states[0].WindowStart
	for i, st := range states {
		if !st.WindowStart.Equal(start) {
			t.Fatalf("request %d saw a different window start: %v vs %v", i, st.WindowStart, start)
		}
	}

	final, err := store.WindowState(ctx, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if final.Requests != n {
		t.Fatalf("request counter = %d, want %d", final.Requests, n)
	}
	if final.Tokens != n*100 {
		t.Fatalf("token counter = %d, want %d", final.Tokens, n*100)
	}
}

func TestIncrementWindowExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	first, err := store.IncrementWindow(ctx, "key-1", 100, 0, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	mr.FastForward(2 * time.Minute)

	fresh, err := store.IncrementWindow(ctx, "key-1", 100, 0, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Requests != 1 {
		t.Fatalf("expired window did not reset: requests = %d", fresh.Requests)
	}
	if fresh.WindowStart.Equal(first.WindowStart) {
		t.Fatal("expired window kept the old start timestamp")
	}
}

func TestConcurrencyGauge(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	n, err := store.IncrConcurrency(ctx, "key-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("gauge = %d, want 1", n)
	}
	n, _ = store.IncrConcurrency(ctx, "key-1", time.Minute)
	if n != 2 {
		t.Fatalf("gauge = %d, want 2", n)
	}
	if err := store.DecrConcurrency(ctx, "key-1"); err != nil {
		t.Fatal(err)
	}
	n, _ = store.IncrConcurrency(ctx, "key-1", time.Minute)
	if n != 2 {
		t.Fatalf("gauge after release = %d, want 2", n)
	}
}
