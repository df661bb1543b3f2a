// Humanized input timing used by the browser session when driving form
// fields. The target application watches for robotic input bursts, so
// keystrokes and clicks are paced with per-key variance plus a slow perlin
// drift of the base rhythm.
package pacing

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/aquilax/go-perlin"
)

// rngPool manages synchronized random number generators.
var rngPool = sync.Pool{
	New: func() interface{} {
		return rand.New(rand.NewSource(time.Now().UnixNano()))
	},
}

func getRNG() *rand.Rand {
	return rngPool.Get().(*rand.Rand)
}

func putRNG(r *rand.Rand) {
	rngPool.Put(r)
}

// Config tunes humanized input timing. A disabled or zero Config produces no
// pauses at all, which is what unit tests rely on.
type Config struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	KeyHoldMeanMs  float64 `mapstructure:"key_hold_mean_ms" yaml:"key_hold_mean_ms"`
	InterKeyMeanMs float64 `mapstructure:"inter_key_mean_ms" yaml:"inter_key_mean_ms"`
	ClickHoldMinMs int     `mapstructure:"click_hold_min_ms" yaml:"click_hold_min_ms"`
	ClickHoldMaxMs int     `mapstructure:"click_hold_max_ms" yaml:"click_hold_max_ms"`
	SettleMinMs    int     `mapstructure:"settle_min_ms" yaml:"settle_min_ms"`
	SettleMaxMs    int     `mapstructure:"settle_max_ms" yaml:"settle_max_ms"`
}

// DefaultConfig returns the timing profile of an unhurried data-entry clerk.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		KeyHoldMeanMs:  55,
		InterKeyMeanMs: 110,
		ClickHoldMinMs: 40,
		ClickHoldMaxMs: 140,
		SettleMinMs:    150,
		SettleMaxMs:    450,
	}
}

// Pacer produces context-aware pauses. Safe for concurrent use, though in
// practice one session owns one Pacer.
type Pacer struct {
	cfg Config

	mu        sync.Mutex
	noise     *perlin.Perlin
	noiseTime float64
}

// New creates a Pacer with a time-derived noise seed.
func New(cfg Config) *Pacer {
	return NewSeeded(cfg, time.Now().UnixNano())
}

// NewSeeded creates a Pacer with a fixed noise seed for deterministic tests.
func NewSeeded(cfg Config, seed int64) *Pacer {
	// Standard perlin parameters, matching the cursor-drift generator.
	return &Pacer{
		cfg:   cfg,
		noise: perlin.NewPerlin(2, 2, 3, seed),
	}
}

// KeyHold pauses for the duration a key stays physically depressed.
func (p *Pacer) KeyHold(ctx context.Context) error {
	if !p.cfg.Enabled || p.cfg.KeyHoldMeanMs <= 0 {
		return nil
	}
	rng := getRNG()
	defer putRNG(rng)

	holdMs := rng.NormFloat64()*15.0 + p.cfg.KeyHoldMeanMs
	if holdMs < 20 { // Minimum physical duration.
		holdMs = 20
	}
	return hesitate(ctx, time.Duration(holdMs)*time.Millisecond)
}

// InterKey pauses between two keystrokes. On top of per-key variance the base
// rhythm wanders slowly via perlin noise so long inputs do not settle into a
// metronome.
func (p *Pacer) InterKey(ctx context.Context) error {
	if !p.cfg.Enabled || p.cfg.InterKeyMeanMs <= 0 {
		return nil
	}
	rng := getRNG()
	defer putRNG(rng)

	p.mu.Lock()
	p.noiseTime += 0.13
	drift := p.noise.Noise1D(p.noiseTime)
	p.mu.Unlock()

	mean := p.cfg.InterKeyMeanMs * (1 + 0.25*drift)
	interKeyMs := rng.NormFloat64()*40.0 + mean
	if interKeyMs < 30 { // Minimum delay between keys.
		interKeyMs = 30
	}
	return hesitate(ctx, time.Duration(interKeyMs)*time.Millisecond)
}

// ClickHold pauses for the press-to-release span of a mouse click.
func (p *Pacer) ClickHold(ctx context.Context) error {
	return p.boundedPause(ctx, p.cfg.ClickHoldMinMs, p.cfg.ClickHoldMaxMs)
}

// Settle pauses briefly after committing a field, the way an operator glances
// at the result before moving on.
func (p *Pacer) Settle(ctx context.Context) error {
	return p.boundedPause(ctx, p.cfg.SettleMinMs, p.cfg.SettleMaxMs)
}

func (p *Pacer) boundedPause(ctx context.Context, minMs, maxMs int) error {
	if !p.cfg.Enabled || minMs <= 0 || maxMs <= 0 || minMs > maxMs {
		return nil
	}
	rng := getRNG()
	defer putRNG(rng)

	durationMs := minMs + rng.Intn(maxMs-minMs+1)
	return hesitate(ctx, time.Duration(durationMs)*time.Millisecond)
}

// hesitate pauses execution, respecting context cancellation.
func hesitate(ctx context.Context, duration time.Duration) error {
	select {
	case <-time.After(duration):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
