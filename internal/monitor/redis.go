package monitor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// DefaultRedisKey is the list that holds mirrored runs.
const DefaultRedisKey = "creditledger:runs"

// RedisMirror keeps the newest runs in a capped Redis list so every instance
// sees the same history.
type RedisMirror struct {
	client redis.UniversalClient
	key    string
	max    int64
}

// NewRedisMirror builds a mirror that keeps at most max runs under key.
func NewRedisMirror(client redis.UniversalClient, key string, max int) *RedisMirror {
	if key == "" {
		key = DefaultRedisKey
	}
	if max <= 0 {
		max = 200
	}
	return &RedisMirror{client: client, key: key, max: int64(max)}
}

// Publish pushes run to the head of the list and trims the tail.
func (m *RedisMirror) Publish(ctx context.Context, run Run) error {
	payload, errMarshal := json.Marshal(run)
	if errMarshal != nil {
		return fmt.Errorf("monitor: marshal run: %w", errMarshal)
	}
	pipe := m.client.TxPipeline()
	pipe.LPush(ctx, m.key, payload)
	pipe.LTrim(ctx, m.key, 0, m.max-1)
	if _, errExec := pipe.Exec(ctx); errExec != nil {
		return fmt.Errorf("monitor: publish run: %w", errExec)
	}
	return nil
}

// Recent reads up to limit runs, newest first. Undecodable entries are skipped.
func (m *RedisMirror) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, errRange := m.client.LRange(ctx, m.key, 0, int64(limit)-1).Result()
	if errRange != nil {
		return nil, fmt.Errorf("monitor: read runs: %w", errRange)
	}
	return decodeRuns(raw), nil
}

func decodeRuns(raw []string) []Run {
	out := make([]Run, 0, len(raw))
	for _, item := range raw {
		var run Run
		if errUnmarshal := json.Unmarshal([]byte(item), &run); errUnmarshal != nil {
			log.WithError(errUnmarshal).Debug("monitor: skip undecodable run")
			continue
		}
		out = append(out, run)
	}
	return out
}
