package runtime

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Sink receives every non-empty tick. WriteTick is called from the tick
// goroutine and must not block for long; slow sinks are wrapped in AsyncSink.
type Sink interface {
	WriteTick(entry TickEntry) error
}

// AsyncSink moves writes to their own goroutine. Entries are dropped when the
// buffer is full.
type AsyncSink struct {
	next Sink
	log  *zap.Logger

	mu     sync.RWMutex // guards send vs close
	ch     chan TickEntry
	wg     sync.WaitGroup
	closed bool

	dropped atomic.Uint64
}

func NewAsyncSink(next Sink, buffer int, logger *zap.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AsyncSink{next: next, log: logger, ch: make(chan TickEntry, buffer)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for e := range s.ch {
			if err := s.next.WriteTick(e); err != nil {
				s.log.Warn("async sink write failed", zap.Uint64("tick", e.Tick), zap.Error(err))
			}
		}
	}()
	return s
}

func (s *AsyncSink) WriteTick(entry TickEntry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- entry:
	default:
		s.dropped.Add(1)
	}
	return nil
}

func (s *AsyncSink) Dropped() uint64 { return s.dropped.Load() }

// Close drains queued entries and stops the writer goroutine. It does not
// close the wrapped sink.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	s.wg.Wait()
}
