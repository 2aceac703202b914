package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCronScheduler(t *testing.T) {
	s := NewCronScheduler(zaptest.NewLogger(t))

	var runs atomic.Int32
	require.NoError(t, s.AddJob("sweep", "@every 1s", func() { runs.Add(1) }))
	assert.ElementsMatch(t, []string{"sweep"}, s.Jobs())

	t.Run("rejects invalid spec", func(t *testing.T) {
		err := s.AddJob("broken", "not a spec", func() {})
		require.Error(t, err)
		assert.NotContains(t, s.Jobs(), "broken")
	})

	t.Run("runs jobs and recovers panics", func(t *testing.T) {
		require.NoError(t, s.AddJob("panics", "@every 1s", func() { panic("boom") }))
		s.Start()
		defer s.Stop()

		assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	})

	t.Run("remove job", func(t *testing.T) {
		require.NoError(t, s.RemoveJob("sweep"))
		assert.ErrorIs(t, s.RemoveJob("sweep"), ErrJobNotFound)
	})
}
