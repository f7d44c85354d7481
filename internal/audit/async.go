package audit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AsyncStore queues inserts for a pool of writers. Entries of one action always
// go to the same writer so they are persisted in append order. Reads pass through.
type AsyncStore struct {
	next   Store
	logger *zap.Logger
	queues []chan *Entry
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewAsyncStore starts workers writers with a per-writer buffer of size entries.
func NewAsyncStore(next Store, workers, size int, logger *zap.Logger) *AsyncStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 4
	}
	if size <= 0 {
		size = 256
	}
	s := &AsyncStore{next: next, logger: logger, queues: make([]chan *Entry, workers)}
	for i := range s.queues {
		s.queues[i] = make(chan *Entry, size)
		s.wg.Add(1)
		go s.writeWorker(i, s.queues[i])
	}
	logger.Info("Audit async writer started", zap.Int("workers", workers), zap.Int("buffer", size))
	return s
}

func (s *AsyncStore) writeWorker(id int, queue <-chan *Entry) {
	defer s.wg.Done()
	for e := range queue {
		queueDepth.Dec()
		s.write(e)
	}
	s.logger.Debug("Audit writer stopped", zap.Int("worker_id", id))
}

func (s *AsyncStore) write(e *Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.next.Insert(ctx, e); err != nil {
		appendFailures.Inc()
		s.logger.Error("Async audit write failed",
			zap.String("action_id", e.ActionID),
			zap.Int64("seq", e.Seq),
			zap.Error(err),
		)
	}
}

// Insert enqueues e. A full queue falls back to a synchronous write so entries are never dropped.
func (s *AsyncStore) Insert(ctx context.Context, e *Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return s.next.Insert(ctx, e)
	}

	c := *e
	select {
	case s.queues[s.shard(e.ActionID)] <- &c:
		queueDepth.Inc()
		return nil
	default:
		s.logger.Warn("Audit queue is full, falling back to synchronous write",
			zap.String("action_id", e.ActionID))
		return s.next.Insert(ctx, e)
	}
}

func (s *AsyncStore) Query(ctx context.Context, f Filter, limit, offset int) ([]Entry, error) {
	return s.next.Query(ctx, f, limit, offset)
}

func (s *AsyncStore) History(ctx context.Context, actionID string) ([]Entry, error) {
	return s.next.History(ctx, actionID)
}

// Close stops accepting queued writes and waits for the writers to drain.
func (s *AsyncStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, q := range s.queues {
		close(q)
	}
	s.mu.Unlock()

	s.logger.Info("Waiting for audit writers to finish")
	s.wg.Wait()
}

func (s *AsyncStore) shard(actionID string) int {
	h := fnv.New32a()
	h.Write([]byte(actionID))
	return int(h.Sum32() % uint32(len(s.queues)))
}
