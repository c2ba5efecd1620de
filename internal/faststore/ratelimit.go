package faststore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript atomically folds one request into the rate-limit window,
// initializing the window start and zeroing the counters exactly once when
// the window is empty. Running as a script means two concurrent first
// requests cannot both reset the window.
//
// KEYS: requests, tokens, cost, window_start
// ARGV: tokens, cost, now (unix ms), window (ms)
var windowScript = redis.NewScript(`
local window_start = redis.call('GET', KEYS[4])
if not window_start then
	window_start = ARGV[3]
	redis.call('SET', KEYS[4], window_start, 'PX', ARGV[4])
	redis.call('SET', KEYS[1], 0, 'PX', ARGV[4])
	redis.call('SET', KEYS[2], 0, 'PX', ARGV[4])
	redis.call('SET', KEYS[3], 0, 'PX', ARGV[4])
end
local requests = redis.call('INCR', KEYS[1])
local tokens = redis.call('INCRBY', KEYS[2], ARGV[1])
local cost = redis.call('INCRBYFLOAT', KEYS[3], ARGV[2])
return {requests, tokens, tostring(cost), window_start}
`)

// WindowState is the rate-limit window after one request was folded in.
type WindowState struct {
	Requests    int64
	Tokens      int64
	Cost        float64
	WindowStart time.Time
}

// IncrementWindow counts one request, its tokens, and its cost against the
// key's rate-limit window, starting a fresh window if none is active. The
// whole operation is atomic.
func (s *Store) IncrementWindow(ctx context.Context, apiKeyID string, tokens int64, cost float64, window time.Duration) (WindowState, error) {
	now := time.Now()
	keys := []string{
		fmt.Sprintf("rate_limit:requests:%s", apiKeyID),
		fmt.Sprintf("rate_limit:tokens:%s", apiKeyID),
		fmt.Sprintf("rate_limit:cost:%s", apiKeyID),
		fmt.Sprintf("rate_limit:window_start:%s", apiKeyID),
	}
	argv := []any{tokens, cost, now.UnixMilli(), window.Milliseconds()}

	raw, err := windowScript.Run(ctx, s.client, keys, argv...).Slice()
	if err != nil {
		return WindowState{}, fmt.Errorf("failed to update rate-limit window: %w", err)
	}
	if len(raw) != 4 {
		return WindowState{}, fmt.Errorf("rate-limit script returned %d values", len(raw))
	}

	state := WindowState{}
	if v, ok := raw[0].(int64); ok {
		state.Requests = v
	}
	if v, ok := raw[1].(int64); ok {
		state.Tokens = v
	}
	if v, ok := raw[2].(string); ok {
		state.Cost, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := raw[3].(string); ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return state, fmt.Errorf("invalid window start %q", v)
		}
		state.WindowStart = time.UnixMilli(ms)
	}
	return state, nil
}

// WindowState reads the current window without modifying it. A key with no
// active window returns the zero value.
func (s *Store) WindowState(ctx context.Context, apiKeyID string) (WindowState, error) {
	pipe := s.client.Pipeline()
	requests := pipe.Get(ctx, fmt.Sprintf("rate_limit:requests:%s", apiKeyID))
	tokens := pipe.Get(ctx, fmt.Sprintf("rate_limit:tokens:%s", apiKeyID))
	cost := pipe.Get(ctx, fmt.Sprintf("rate_limit:cost:%s", apiKeyID))
	start := pipe.Get(ctx, fmt.Sprintf("rate_limit:window_start:%s", apiKeyID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return WindowState{}, fmt.Errorf("failed to read rate-limit window: %w", err)
	}

	state := WindowState{}
	state.Requests, _ = requests.Int64()
	state.Tokens, _ = tokens.Int64()
	state.Cost, _ = cost.Float64()
	if ms, err := start.Int64(); err == nil {
		state.WindowStart = time.UnixMilli(ms)
	}
	return state, nil
}
