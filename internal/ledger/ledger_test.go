package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAccountRollsIntoLedger(t *testing.T) {
	t.Parallel()

	l := New(nil)
	a := l.ForJob()
	b := l.ForJob()

	a.RecordHit(NamespacePage, 0)
	a.RecordMiss(NamespaceAnalysis)
	a.RecordCall(120, 0.002)
	a.RecordHit(NamespaceAnalysis, 0.002)
	b.RecordMiss(NamespacePage)

	ac := a.Counters()
	require.EqualValues(t, 2, ac.CacheHits())
	require.EqualValues(t, 1, ac.CacheMisses())
	require.EqualValues(t, 1, ac.APICallsSaved())
	require.EqualValues(t, 120, ac.TokensUsed)
	require.InDelta(t, 0.002, ac.CostSaved, 1e-12)

	global := l.Window(30)
	require.EqualValues(t, 2, global.CacheHits())
	require.EqualValues(t, 2, global.CacheMisses())
	require.InDelta(t, 0.5, global.HitRate(), 1e-12)
	require.Equal(t, global.AnalysisHits, global.APICallsSaved())
}

func TestHitRateZeroWhenUnused(t *testing.T) {
	t.Parallel()

	require.Zero(t, Counters{}.HitRate())
}

func TestWindowExcludesOldBuckets(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(clock)
	l.RecordHit(NamespacePage, 0)

	clock.advance(10 * 24 * time.Hour)
	l.RecordMiss(NamespacePage)

	require.EqualValues(t, 1, l.Window(5).CacheMisses())
	require.EqualValues(t, 0, l.Window(5).CacheHits())
	require.EqualValues(t, 1, l.Window(11).CacheHits())
	require.EqualValues(t, 1, l.Window(0).CacheHits())

	l.Prune(5)
	require.EqualValues(t, 0, l.Window(0).CacheHits())

	l.Reset()
	require.Equal(t, Counters{}, l.Window(0))
}

func TestConcurrentUpdatesAreAdditive(t *testing.T) {
	t.Parallel()

	l := New(nil)
	acct := l.ForJob()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acct.RecordCall(10, 0.01)
			acct.RecordHit(NamespaceAnalysis, 0.01)
		}()
	}
	wg.Wait()

	c := acct.Counters()
	require.EqualValues(t, 50, c.AnalysisCalls)
	require.EqualValues(t, 500, c.TokensUsed)
	require.InDelta(t, 0.5, c.TotalCost, 1e-9)
	require.InDelta(t, 0.5, c.CostSaved, 1e-9)
}
