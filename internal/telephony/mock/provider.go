package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-call-dispatch/internal/config"
	"github.com/acme/outbound-call-dispatch/internal/telephony"
)

var _ telephony.Provider = (*Provider)(nil)

// Provider simulates a calling provider that accepts a configurable share of calls.
type Provider struct {
	successRate float64
	latency     time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProvider constructs a mock provider.
func NewProvider(cfg config.CallBridgeConfig) *Provider {
	rate := cfg.SuccessRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	return &Provider{
		successRate: rate,
		latency:     50 * time.Millisecond,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// StartCall simulates the provider accepting or rejecting the call.
func (p *Provider) StartCall(ctx context.Context, req telephony.Request) (string, error) {
	timer := time.NewTimer(p.latency)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("mock provider: start call %s: %w", req.CallID, ctx.Err())
	case <-timer.C:
	}

	p.mu.Lock()
	accepted := p.rng.Float64() < p.successRate
	p.mu.Unlock()

	if !accepted {
		return "", fmt.Errorf("mock provider: start call %s: %w", req.CallID, telephony.ErrRejected)
	}
	return uuid.NewString(), nil
}
