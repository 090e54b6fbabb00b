package metrics

import (
	"math"
	"sync"
	"time"
)

// Phase is one named timing, in seconds.
type Phase struct {
	Name    string
	Seconds float64
}

// Phases is an ordered, append-only map of phase timings. Setting an existing
// name overwrites its value in place.
type Phases struct {
	mu     sync.Mutex
	order  []string
	values map[string]float64
}

func NewPhases() *Phases {
	return &Phases{values: make(map[string]float64)}
}

func (p *Phases) Set(name string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.values[name]; !exists {
		p.order = append(p.order, name)
	}
	p.values[name] = round2(d.Seconds())
}

func (p *Phases) Get(name string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[name]
	return v, ok
}

// Since records the time elapsed from start under name.
func (p *Phases) Since(name string, start time.Time) {
	p.Set(name, time.Since(start))
}

func (p *Phases) All() []Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Phase, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, Phase{Name: name, Seconds: p.values[name]})
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
