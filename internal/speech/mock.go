package speech

import (
	"context"
	"sync"
	"time"
)

// MockProvider is a local fallback used when no speech backend is
// configured. It waits a short delay and records what it was asked to say.
type MockProvider struct {
	delay time.Duration

	mu     sync.Mutex
	spoken []string
	clips  int
}

func NewMockProvider(delay time.Duration) *MockProvider {
	return &MockProvider{delay: delay}
}

func (p *MockProvider) Speak(ctx context.Context, text string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.spoken = append(p.spoken, text)
	p.mu.Unlock()
	return nil
}

func (p *MockProvider) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if err := p.wait(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	p.clips++
	p.mu.Unlock()
	if len(wav) == 0 {
		return "", nil
	}
	return "simulated voice input", nil
}

// Spoken returns every text passed to Speak, in order.
func (p *MockProvider) Spoken() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.spoken...)
}

func (p *MockProvider) wait(ctx context.Context) error {
	if p.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
