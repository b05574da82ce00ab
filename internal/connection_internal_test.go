package internal

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/koopa0/system-design/post-counter-cache/pkg/logger"
	"github.com/stretchr/testify/assert"
)

// TestConnManager_BackOffSchedule 測試重試等待為 min(base*2^n, max)，最後一次嘗試後不再等待
func TestConnManager_BackOffSchedule(t *testing.T) {
	tests := []struct {
		name    string
		retries int
		base    time.Duration
		maxWait time.Duration
		want    []time.Duration
	}{
		{
			name:    "capped at max backoff",
			retries: 6,
			base:    time.Second,
			maxWait: 10 * time.Second,
			want:    []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second},
		},
		{
			name:    "defaults",
			retries: 5,
			base:    time.Second,
			maxWait: 30 * time.Second,
			want:    []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second},
		},
		{
			name:    "single attempt never waits",
			retries: 1,
			base:    time.Second,
			maxWait: 30 * time.Second,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := &Config{}
			config.Redis.ConnectRetries = tt.retries
			config.Redis.BackoffBase = tt.base
			config.Redis.MaxBackoff = tt.maxWait
			m := NewConnManager(config, logger.Discard())

			b := m.newBackOff(context.Background())

			var got []time.Duration
			for i := 0; i < tt.retries+2; i++ {
				wait := b.NextBackOff()
				if wait == backoff.Stop {
					break
				}
				got = append(got, wait)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConnManager_BackOffStopsOnCancel(t *testing.T) {
	config := &Config{}
	config.Redis.ConnectRetries = 5
	config.Redis.BackoffBase = time.Second
	config.Redis.MaxBackoff = 30 * time.Second
	m := NewConnManager(config, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, backoff.Stop, m.newBackOff(ctx).NextBackOff())
}
