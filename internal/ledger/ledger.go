// Package ledger keeps the additive cache and analysis-cost counters. Each job
// gets an Account whose updates also roll into a global Ledger bucketed by day,
// so cache statistics can be reported over a rolling window.
package ledger

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Namespace identifies which cache a hit or miss belongs to.
type Namespace string

// Cache namespaces.
const (
	NamespacePage     Namespace = "page"
	NamespaceAnalysis Namespace = "analysis"
)

// Recorder accepts ledger updates. All methods are safe for concurrent use.
type Recorder interface {
	// RecordHit counts a cache hit; costSaved is the spend the hit avoided.
	RecordHit(ns Namespace, costSaved float64)
	RecordMiss(ns Namespace)
	// RecordCall counts one external analysis call and what it consumed.
	RecordCall(tokens int64, cost float64)
}

// Counters is a point-in-time copy of ledger values.
type Counters struct {
	PageHits       int64   `json:"page_hits"`
	PageMisses     int64   `json:"page_misses"`
	AnalysisHits   int64   `json:"analysis_hits"`
	AnalysisMisses int64   `json:"analysis_misses"`
	AnalysisCalls  int64   `json:"analysis_calls"`
	TokensUsed     int64   `json:"tokens_used"`
	TotalCost      float64 `json:"total_cost"`
	CostSaved      float64 `json:"cost_saved"`
}

// CacheHits sums hits across namespaces.
func (c Counters) CacheHits() int64 { return c.PageHits + c.AnalysisHits }

// CacheMisses sums misses across namespaces.
func (c Counters) CacheMisses() int64 { return c.PageMisses + c.AnalysisMisses }

// APICallsSaved equals the analysis-namespace hits.
func (c Counters) APICallsSaved() int64 { return c.AnalysisHits }

// HitRate is hits / (hits + misses), or 0 when nothing was looked up.
func (c Counters) HitRate() float64 {
	total := c.CacheHits() + c.CacheMisses()
	if total == 0 {
		return 0
	}
	return float64(c.CacheHits()) / float64(total)
}

func (c Counters) add(o Counters) Counters {
	return Counters{
		PageHits:       c.PageHits + o.PageHits,
		PageMisses:     c.PageMisses + o.PageMisses,
		AnalysisHits:   c.AnalysisHits + o.AnalysisHits,
		AnalysisMisses: c.AnalysisMisses + o.AnalysisMisses,
		AnalysisCalls:  c.AnalysisCalls + o.AnalysisCalls,
		TokensUsed:     c.TokensUsed + o.TokensUsed,
		TotalCost:      c.TotalCost + o.TotalCost,
		CostSaved:      c.CostSaved + o.CostSaved,
	}
}

type counters struct {
	pageHits       atomic.Int64
	pageMisses     atomic.Int64
	analysisHits   atomic.Int64
	analysisMisses atomic.Int64
	analysisCalls  atomic.Int64
	tokens         atomic.Int64
	cost           atomicFloat
	saved          atomicFloat
}

func (c *counters) hit(ns Namespace, saved float64) {
	if ns == NamespaceAnalysis {
		c.analysisHits.Add(1)
	} else {
		c.pageHits.Add(1)
	}
	if saved > 0 {
		c.saved.Add(saved)
	}
}

func (c *counters) miss(ns Namespace) {
	if ns == NamespaceAnalysis {
		c.analysisMisses.Add(1)
	} else {
		c.pageMisses.Add(1)
	}
}

func (c *counters) call(tokens int64, cost float64) {
	c.analysisCalls.Add(1)
	c.tokens.Add(tokens)
	c.cost.Add(cost)
}

func (c *counters) snapshot() Counters {
	return Counters{
		PageHits:       c.pageHits.Load(),
		PageMisses:     c.pageMisses.Load(),
		AnalysisHits:   c.analysisHits.Load(),
		AnalysisMisses: c.analysisMisses.Load(),
		AnalysisCalls:  c.analysisCalls.Load(),
		TokensUsed:     c.tokens.Load(),
		TotalCost:      c.cost.Load(),
		CostSaved:      c.saved.Load(),
	}
}

type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Add(delta float64) {
	for {
		old := f.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if f.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (f *atomicFloat) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Ledger is the global, day-bucketed view of all accounts.
type Ledger struct {
	mu    sync.Mutex
	days  map[string]*counters
	clock Clock
}

// New returns an empty Ledger. A nil clock uses the wall clock.
func New(clock Clock) *Ledger {
	return &Ledger{days: make(map[string]*counters), clock: clock}
}

func (l *Ledger) now() time.Time {
	if l.clock == nil {
		return time.Now().UTC()
	}
	return l.clock.Now().UTC()
}

func (l *Ledger) today() *counters {
	key := l.now().Format(time.DateOnly)
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, ok := l.days[key]
	if !ok {
		bucket = &counters{}
		l.days[key] = bucket
	}
	return bucket
}

// RecordHit implements Recorder.
func (l *Ledger) RecordHit(ns Namespace, costSaved float64) { l.today().hit(ns, costSaved) }

// RecordMiss implements Recorder.
func (l *Ledger) RecordMiss(ns Namespace) { l.today().miss(ns) }

// RecordCall implements Recorder.
func (l *Ledger) RecordCall(tokens int64, cost float64) { l.today().call(tokens, cost) }

// Window sums the buckets of the last days calendar days, today included.
// days <= 0 sums everything.
func (l *Ledger) Window(days int) Counters {
	var cutoff string
	if days > 0 {
		cutoff = l.now().AddDate(0, 0, -(days - 1)).Format(time.DateOnly)
	}
	l.mu.Lock()
	keys := make([]string, 0, len(l.days))
	for k := range l.days {
		if k >= cutoff {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	buckets := make([]*counters, 0, len(keys))
	for _, k := range keys {
		buckets = append(buckets, l.days[k])
	}
	l.mu.Unlock()

	var out Counters
	for _, b := range buckets {
		out = out.add(b.snapshot())
	}
	return out
}

// Prune drops buckets older than the window to bound memory.
func (l *Ledger) Prune(days int) {
	if days <= 0 {
		return
	}
	cutoff := l.now().AddDate(0, 0, -(days - 1)).Format(time.DateOnly)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.days {
		if k < cutoff {
			delete(l.days, k)
		}
	}
}

// Reset clears every bucket. It is the only operation that lowers counters.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.days = make(map[string]*counters)
}

// ForJob opens an Account whose updates also flow into l.
func (l *Ledger) ForJob() *Account {
	return &Account{parent: l}
}

// Account is the per-job ledger.
type Account struct {
	parent *Ledger
	c      counters
}

// RecordHit implements Recorder.
func (a *Account) RecordHit(ns Namespace, costSaved float64) {
	a.c.hit(ns, costSaved)
	if a.parent != nil {
		a.parent.RecordHit(ns, costSaved)
	}
}

// RecordMiss implements Recorder.
func (a *Account) RecordMiss(ns Namespace) {
	a.c.miss(ns)
	if a.parent != nil {
		a.parent.RecordMiss(ns)
	}
}

// RecordCall implements Recorder.
func (a *Account) RecordCall(tokens int64, cost float64) {
	a.c.call(tokens, cost)
	if a.parent != nil {
		a.parent.RecordCall(tokens, cost)
	}
}

// Counters returns the job's totals.
func (a *Account) Counters() Counters {
	return a.c.snapshot()
}
