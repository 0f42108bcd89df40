package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGuardAllowsBurst(t *testing.T) {
	g := NewGuard(10, 5)
	now := time.Now()

	for i := 0; i < 5; i++ {
		assert.Equal(t, Allowed, g.CheckAt(now), "message %d", i)
	}
	assert.NotEqual(t, Allowed, g.CheckAt(now))
	assert.Equal(t, 1, g.Violations())
}

func TestGuardRefills(t *testing.T) {
	g := NewGuard(10, 1)
	now := time.Now()

	require.Equal(t, Allowed, g.CheckAt(now))
	require.NotEqual(t, Allowed, g.CheckAt(now))
	assert.Equal(t, Allowed, g.CheckAt(now.Add(100*time.Millisecond)))
}

func TestGuardEscalation(t *testing.T) {
	g := NewGuard(1, 1)
	now := time.Now()
	require.Equal(t, Allowed, g.CheckAt(now))

	verdicts := make(map[Verdict]int)
	var warnedAt []int
	for i := 1; i <= maxViolations+1; i++ {
		v := g.CheckAt(now)
		verdicts[v]++
		if v == Warn {
			warnedAt = append(warnedAt, i)
		}
	}

	assert.Equal(t, []int{1, 101, 201, 301, 401, 501, 601, 701, 801, 901}, warnedAt)
	assert.Equal(t, 1, verdicts[Disconnect])
	assert.Equal(t, Disconnect, g.CheckAt(now))
}

func TestLimitersPerKey(t *testing.T) {
	l := NewLimiters(1, 1)
	defer l.Stop()

	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))
	assert.Same(t, l.Get("10.0.0.1"), l.Get("10.0.0.1"))
	assert.Equal(t, 2, l.size())
}
