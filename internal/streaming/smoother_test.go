package streaming

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmootherReleasesAtConfiguredRate(t *testing.T) {
	s := NewSmoother(SmootherOptions{})
	s.SetTarget(strings.Repeat("a", 50))

	t0 := time.Unix(0, 0)
	s.Tick(t0)
	assert.Equal(t, 1, len(s.Visible()), "first frame releases at least one char")

	s.Tick(t0.Add(500 * time.Millisecond))
	assert.Equal(t, 21, len(s.Visible()), "40 cps for half a second adds 20")
}

func TestSmootherCatchesUpPastBufferCap(t *testing.T) {
	s := NewSmoother(SmootherOptions{})
	s.SetTarget(strings.Repeat("b", 350))

	s.Tick(time.Unix(0, 0))
	assert.Equal(t, 250, len(s.Visible()))
	assert.Equal(t, DefaultBufferCap, s.Pending())
}

func TestSmootherClampsToCommonPrefix(t *testing.T) {
	s := NewSmoother(SmootherOptions{})
	s.SetTarget("hello world")
	s.Flush()
	require.Equal(t, "hello world", s.Visible())

	s.SetTarget("hello there")
	assert.Equal(t, "hello ", s.Visible())
}

func TestSmootherDisabledShowsTargetImmediately(t *testing.T) {
	s := NewSmoother(SmootherOptions{Disabled: true})
	s.SetTarget("all at once")
	assert.Equal(t, "all at once", s.Visible())
}

func TestSmootherMultibyte(t *testing.T) {
	s := NewSmoother(SmootherOptions{})
	s.SetTarget("記章")
	s.Tick(time.Unix(0, 0))
	assert.Equal(t, "記", s.Visible())
}

func TestSmootherRunFlushesOnClose(t *testing.T) {
	s := NewSmoother(SmootherOptions{FrameInterval: time.Millisecond})
	targets := make(chan string, 2)
	targets <- "partial"
	targets <- "partial answer"
	close(targets)

	var frames []string
	err := s.Run(context.Background(), targets, func(v string) error {
		frames = append(frames, v)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, frames)
	assert.Equal(t, "partial answer", frames[len(frames)-1])
}

func TestSmootherRunFlushesOnCancel(t *testing.T) {
	s := NewSmoother(SmootherOptions{FrameInterval: time.Hour})
	targets := make(chan string, 1)
	targets <- "never ticked"
	ctx, cancel := context.WithCancel(context.Background())

	var got string
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, targets, func(v string) error {
			got = v
			return nil
		})
	}()
	require.Eventually(t, func() bool { return len(targets) == 0 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, "never ticked", got)
}

func TestSmootherProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("visible length never decreases while the target grows", prop.ForAll(
		func(pieces []string, gapsMs []int) bool {
			s := NewSmoother(SmootherOptions{})
			now := time.Unix(0, 0)
			var target strings.Builder
			prev := 0
			for i, p := range pieces {
				target.WriteString(p)
				s.SetTarget(target.String())
				if i < len(gapsMs) {
					now = now.Add(time.Duration(gapsMs[i]) * time.Millisecond)
				}
				s.Tick(now)
				shown := len([]rune(s.Visible()))
				if shown < prev || shown > len([]rune(target.String())) {
					return false
				}
				if !strings.HasPrefix(target.String(), s.Visible()) {
					return false
				}
				if s.Pending() > DefaultBufferCap {
					return false
				}
				prev = shown
			}
			s.Flush()
			return s.Visible() == target.String()
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.IntRange(0, 200)),
	))

	properties.TestingRun(t)
}
