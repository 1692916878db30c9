package usage

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Totals are a principal's accumulated counters for one day.
type Totals struct {
	Requests  int `json:"requests"`
	TokensIn  int `json:"tokens_in"`
	TokensOut int `json:"tokens_out"`
}

// Tracker accumulates daily per-principal usage counters for the
// /v1/usage endpoint. Counters live in Redis when available so they
// survive restarts and are shared across replicas; otherwise an
// in-memory map serves a single process.
type Tracker struct {
	rdb    *redis.Client
	logger *log.Logger

	mu    sync.Mutex
	local map[string]*Totals
}

// NewTracker connects to Redis at addr. An empty addr or failed ping
// falls back to the in-memory store.
func NewTracker(addr, password string) *Tracker {
	t := &Tracker{
		logger: log.New(log.Writer(), "[TRACKER] ", log.LstdFlags),
		local:  make(map[string]*Totals),
	}
	if addr == "" {
		return t
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.logger.Printf("⚠️ Redis unavailable (%s), using in-memory usage tracking: %v", addr, err)
		rdb.Close()
		return t
	}

	t.rdb = rdb
	t.logger.Printf("Redis connected for usage tracking: %s", addr)
	return t
}

func dayKey(principal string, now time.Time) string {
	return fmt.Sprintf("usage:%s:%s", principal, now.UTC().Format("2006-01-02"))
}

// Track adds one request and its token counts to the principal's daily
// totals. Best-effort: Redis failures fall through to the local store.
func (t *Tracker) Track(ctx context.Context, principal string, tokensIn, tokensOut int) {
	key := dayKey(principal, time.Now())

	if t.rdb != nil {
		pipe := t.rdb.Pipeline()
		pipe.HIncrBy(ctx, key, "requests", 1)
		pipe.HIncrBy(ctx, key, "tokens_in", int64(tokensIn))
		pipe.HIncrBy(ctx, key, "tokens_out", int64(tokensOut))
		pipe.Expire(ctx, key, 48*time.Hour)
		if _, err := pipe.Exec(ctx); err == nil {
			return
		} else {
			t.logger.Printf("⚠️ Redis usage increment failed, falling back to memory: %v", err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	totals, ok := t.local[key]
	if !ok {
		totals = &Totals{}
		t.local[key] = totals
	}
	totals.Requests++
	totals.TokensIn += tokensIn
	totals.TokensOut += tokensOut
}

// Today returns the principal's totals for the current UTC day.
func (t *Tracker) Today(ctx context.Context, principal string) Totals {
	key := dayKey(principal, time.Now())

	if t.rdb != nil {
		fields, err := t.rdb.HGetAll(ctx, key).Result()
		if err == nil {
			return Totals{
				Requests:  atoi(fields["requests"]),
				TokensIn:  atoi(fields["tokens_in"]),
				TokensOut: atoi(fields["tokens_out"]),
			}
		}
		t.logger.Printf("⚠️ Redis usage read failed, falling back to memory: %v", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if totals, ok := t.local[key]; ok {
		return *totals
	}
	return Totals{}
}

// Close releases the Redis connection if one is held.
func (t *Tracker) Close() error {
	if t.rdb == nil {
		return nil
	}
	return t.rdb.Close()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
