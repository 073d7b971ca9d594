package progress

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
)

const defaultSubscriberBuffer = 16

// Subscription receives snapshots for one job. C is closed when the
// subscriber is dropped, the job is forgotten, or Close is called.
type Subscription struct {
	C <-chan crawler.Snapshot

	ch     chan crawler.Snapshot
	jobID  string
	id     uint64
	parent *Broadcaster
	once   sync.Once
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.parent.remove(s.jobID, s.id)
}

// Broadcaster delivers job snapshots to live subscribers and remembers the
// latest snapshot per job. Publish never blocks: a subscriber whose buffer is
// full is dropped and must resubscribe or poll.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]*Subscription
	latest map[string]crawler.Snapshot
	nextID uint64
	buffer int
	logger *zap.Logger
}

// NewBroadcaster builds a broadcaster whose subscribers buffer up to buffer
// snapshots.
func NewBroadcaster(buffer int, logger *zap.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:   make(map[string]map[uint64]*Subscription),
		latest: make(map[string]crawler.Snapshot),
		buffer: buffer,
		logger: logger,
	}
}

// Publish records snap as the latest for its job and pushes it to every
// subscriber of that job.
func (b *Broadcaster) Publish(snap crawler.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest[snap.JobID] = snap
	for id, sub := range b.subs[snap.JobID] {
		select {
		case sub.ch <- snap:
		default:
			b.logger.Debug("dropping slow progress subscriber", zap.String("job_id", snap.JobID))
			b.closeLocked(snap.JobID, id, sub)
		}
	}
}

// Subscribe registers a subscriber. The latest snapshot, if any, is already
// queued on the returned channel.
func (b *Broadcaster) Subscribe(jobID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan crawler.Snapshot, b.buffer)
	sub := &Subscription{C: ch, ch: ch, jobID: jobID, id: b.nextID, parent: b}
	if snap, ok := b.latest[jobID]; ok {
		ch <- snap
	}
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[uint64]*Subscription)
	}
	b.subs[jobID][sub.id] = sub
	return sub
}

// Latest returns the most recent snapshot published for jobID.
func (b *Broadcaster) Latest(jobID string) (crawler.Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.latest[jobID]
	return snap, ok
}

// Forget closes every subscriber of jobID and drops its latest snapshot.
func (b *Broadcaster) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs[jobID] {
		b.closeLocked(jobID, id, sub)
	}
	delete(b.subs, jobID)
	delete(b.latest, jobID)
}

// Subscribers reports the live subscriber count for jobID.
func (b *Broadcaster) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

func (b *Broadcaster) remove(jobID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[jobID][id]; ok {
		b.closeLocked(jobID, id, sub)
	}
}

func (b *Broadcaster) closeLocked(jobID string, id uint64, sub *Subscription) {
	delete(b.subs[jobID], id)
	if len(b.subs[jobID]) == 0 {
		delete(b.subs, jobID)
	}
	sub.once.Do(func() { close(sub.ch) })
}
