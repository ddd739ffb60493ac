package streaming

import (
	"context"
	"math"
	"time"
)

// Smoother defaults.
const (
	DefaultCharsPerSecond = 40
	DefaultFrameInterval  = 16 * time.Millisecond
	DefaultBufferCap      = 100
)

// SmootherOptions configures a Smoother. Zero values use the defaults.
type SmootherOptions struct {
	CharsPerSecond float64
	FrameInterval  time.Duration
	// BufferCap bounds how far the display may lag behind the target.
	BufferCap int
	// Disabled shows every target immediately.
	Disabled bool
}

// Smoother reveals a growing text at a steady pace so that bursty model
// output renders evenly. It is not safe for concurrent use; Run owns it.
type Smoother struct {
	opts   SmootherOptions
	target []rune
	shown  int
	last   time.Time
}

// NewSmoother creates a smoother.
func NewSmoother(opts SmootherOptions) *Smoother {
	if opts.CharsPerSecond <= 0 {
		opts.CharsPerSecond = DefaultCharsPerSecond
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = DefaultFrameInterval
	}
	if opts.BufferCap <= 0 {
		opts.BufferCap = DefaultBufferCap
	}
	return &Smoother{opts: opts}
}

// SetTarget replaces the text to reveal. When the new text does not extend
// the old one, the visible part is clamped to their common prefix.
func (s *Smoother) SetTarget(text string) {
	next := []rune(text)
	common := 0
	for common < len(next) && common < len(s.target) && next[common] == s.target[common] {
		common++
	}
	if s.shown > common {
		s.shown = common
	}
	s.target = next
	if s.opts.Disabled {
		s.shown = len(s.target)
	}
}

// Tick advances the display to now and reports whether it changed.
func (s *Smoother) Tick(now time.Time) bool {
	if s.last.IsZero() {
		s.last = now
	}
	unrendered := len(s.target) - s.shown
	if unrendered <= 0 {
		s.last = now
		return false
	}
	elapsed := now.Sub(s.last).Seconds()
	s.last = now

	release := max(1, int(math.Floor(elapsed*s.opts.CharsPerSecond)))
	if unrendered > s.opts.BufferCap {
		release = max(release, unrendered-s.opts.BufferCap)
	}
	s.shown = min(s.shown+release, len(s.target))
	return true
}

// Flush reveals the whole target.
func (s *Smoother) Flush() {
	s.shown = len(s.target)
}

// Visible returns the text revealed so far.
func (s *Smoother) Visible() string {
	return string(s.target[:s.shown])
}

// Pending reports how many characters are not yet shown.
func (s *Smoother) Pending() int {
	return len(s.target) - s.shown
}

// Run reads targets until the channel closes or ctx ends, emitting the
// visible text every frame it changes. It always flushes and emits the full
// text before returning.
func (s *Smoother) Run(ctx context.Context, targets <-chan string, emit func(visible string) error) error {
	ticker := time.NewTicker(s.opts.FrameInterval)
	defer ticker.Stop()

	last := s.Visible()
	send := func() error {
		v := s.Visible()
		if v == last {
			return nil
		}
		last = v
		return emit(v)
	}
	finish := func() error {
		s.Flush()
		return send()
	}

	for {
		select {
		case <-ctx.Done():
			if err := finish(); err != nil {
				return err
			}
			return ctx.Err()
		case text, ok := <-targets:
			if !ok {
				return finish()
			}
			s.SetTarget(text)
			if s.opts.Disabled {
				if err := send(); err != nil {
					return err
				}
			}
		case now := <-ticker.C:
			if s.Tick(now) {
				if err := send(); err != nil {
					return err
				}
			}
		}
	}
}
