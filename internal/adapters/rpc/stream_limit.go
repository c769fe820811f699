package rpc

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

const (
	streamMaxGlobalEnv    = "SYNCD_RPC_STREAM_MAX_GLOBAL"
	streamMaxPerClientEnv = "SYNCD_RPC_STREAM_MAX_PER_CLIENT"
)

type streamLimitConfig struct {
	MaxGlobal    int
	MaxPerClient int
}

// streamLimiter caps concurrent notice streams so a leaking UI cannot pin
// unbounded server goroutines.
type streamLimiter struct {
	maxGlobal    int
	maxPerClient int

	mu       sync.Mutex
	global   int
	byClient map[string]int
}

func loadStreamLimitConfig() streamLimitConfig {
	cfg := streamLimitConfig{
		MaxGlobal:    64,
		MaxPerClient: 4,
	}
	if raw := strings.TrimSpace(os.Getenv(streamMaxGlobalEnv)); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.MaxGlobal = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv(streamMaxPerClientEnv)); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.MaxPerClient = parsed
		}
	}
	return cfg
}

func newStreamLimiter(cfg streamLimitConfig) *streamLimiter {
	return &streamLimiter{
		maxGlobal:    cfg.MaxGlobal,
		maxPerClient: cfg.MaxPerClient,
		byClient:     make(map[string]int),
	}
}

func (l *streamLimiter) acquire(clientKey string) (func(), bool) {
	if l == nil {
		return func() {}, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.global >= l.maxGlobal {
		return nil, false
	}
	if l.byClient[clientKey] >= l.maxPerClient {
		return nil, false
	}
	l.global++
	l.byClient[clientKey]++
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.global > 0 {
			l.global--
		}
		next := l.byClient[clientKey] - 1
		if next <= 0 {
			delete(l.byClient, clientKey)
			return
		}
		l.byClient[clientKey] = next
	}, true
}
