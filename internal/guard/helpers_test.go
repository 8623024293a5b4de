package guard

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/KennethAtchon/loctelli-guard/internal/core"
	"github.com/KennethAtchon/loctelli-guard/internal/embedding"
)

// basisProvider maps each distinct text to its own basis dimension: identical
// text always embeds to the same vector, distinct texts are orthogonal. This
// makes corpus similarity deterministic: a verbatim attack phrase scores
// exactly 1.0 and everything else scores 0.
type basisProvider struct {
	mu      sync.Mutex
	dims    int
	indices map[string]int
}

func newBasisProvider(dims int) *basisProvider {
	return &basisProvider{dims: dims, indices: make(map[string]int)}
}

func (p *basisProvider) Embed(_ context.Context, text string) ([]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.indices[text]
	if !ok {
		idx = len(p.indices) % p.dims
		p.indices[text] = idx
	}
	vec := make([]float64, p.dims)
	vec[idx] = 1
	return vec, nil
}

func (p *basisProvider) Dimensions() int { return p.dims }

// recordingSink captures every event the pipeline publishes.
type recordingSink struct {
	mu     sync.Mutex
	events []*core.SecurityEvent
}

func (s *recordingSink) Publish(event *core.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) all() []*core.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.SecurityEvent, len(s.events))
	copy(out, s.events)
	return out
}

func newTestSemantic(t *testing.T, cfg *core.Config) *SemanticValidator {
	t.Helper()
	adapter, err := embedding.NewAdapter(newBasisProvider(64), 1000, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAdapter() error: %v", err)
	}
	corpus := embedding.NewCorpus(context.Background(), adapter, zerolog.Nop())
	return NewSemanticValidator(cfg.Guard.Semantic, adapter, corpus)
}

func newTestPipeline(t *testing.T, cfg *core.Config) (*Pipeline, *recordingSink, *Tracker) {
	t.Helper()
	tracker := NewTracker(cfg.Guard.Historical.PatternWindow)
	semantic := newTestSemantic(t, cfg)
	sink := &recordingSink{}
	pipeline := NewPipeline(cfg, DefaultStages(cfg, semantic, tracker), tracker, sink, zerolog.Nop())
	return pipeline, sink, tracker
}

func newInput(message string) *Input {
	return &Input{
		Request:   &ValidationRequest{Message: message, LeadID: "lead-test"},
		Sanitized: message,
	}
}
