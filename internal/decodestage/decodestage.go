// Package decodestage implements the bounded queue between the RTP
// depacketizer and a decode worker, and the worker loop that drains it.
// The decoder itself is a narrow callback interface: no concrete H.264
// backend is specified here, matching the out-of-scope decoder backend.
package decodestage

import (
	"context"
	"sync"

	"github.com/mirage-project/mirage/internal/latestframe"
	"github.com/mirage-project/mirage/internal/mlog"
)

// Mode selects what Enqueue does when the queue is full.
type Mode int

const (
	// DropOldest discards the oldest queued NAL to make room, and is the
	// default per spec.
	DropOldest Mode = iota
	// Block waits for the consumer to make room.
	Block
)

// DefaultQueueSize is the default bounded-queue capacity.
const DefaultQueueSize = 128

// Decoder turns an Annex-B NAL unit into a decoded frame. Implementations
// live outside this module; this package only defines the seam.
type Decoder interface {
	Decode(nal []byte) (latestframe.Frame, error)
}

// Config bounds the Stage's queue.
type Config struct {
	QueueSize int
	Mode      Mode
}

func DefaultConfig() Config {
	return Config{QueueSize: DefaultQueueSize, Mode: DropOldest}
}

// Stage is a one-producer/one-consumer pipeline stage: the depacketizer
// calls Enqueue, a single worker goroutine calls the Decoder and writes
// the result into the device's latestframe.Slot.
type Stage struct {
	cfg     Config
	decoder Decoder
	slot    *latestframe.Slot
	onError func(error)

	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte
	stopped  bool
	dropped  uint64
	decoded  uint64
	failures uint64

	log *mlog.Throttle
}

// New returns a Stage that decodes through decoder and writes results into
// slot. onError, if non-nil, is called (off the hot path) for every decode
// failure.
func New(cfg Config, decoder Decoder, slot *latestframe.Slot, onError func(error)) *Stage {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	s := &Stage{
		cfg:     cfg,
		decoder: decoder,
		slot:    slot,
		onError: onError,
		log:     mlog.NewThrottle(5, 200),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Enqueue adds a NAL to the queue, applying the configured overflow policy.
func (s *Stage) Enqueue(nal []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	for len(s.queue) >= s.cfg.QueueSize && s.cfg.Mode == Block {
		s.cond.Wait()
		if s.stopped {
			return
		}
	}
	if len(s.queue) >= s.cfg.QueueSize {
		s.queue = s.queue[1:]
		s.dropped++
		s.log.Printf("drop", "decodestage: queue full, dropping oldest NAL (dropped=%d)", s.dropped)
	}
	s.queue = append(s.queue, nal)
	s.cond.Signal()
}

// Run drains the queue until ctx is cancelled or Stop is called. It is
// meant to be launched as the stage's single consumer goroutine.
func (s *Stage) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.Stop()
		close(done)
	}()
	defer func() {
		select {
		case <-done:
		default:
		}
	}()

	for {
		nal, ok := s.dequeue()
		if !ok {
			return
		}
		frame, err := s.decoder.Decode(nal)
		if err != nil {
			s.mu.Lock()
			s.failures++
			s.mu.Unlock()
			if s.onError != nil {
				s.onError(err)
			}
			continue
		}
		s.mu.Lock()
		s.decoded++
		s.mu.Unlock()
		s.slot.Store(frame)
	}
}

func (s *Stage) dequeue() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.stopped {
		s.cond.Wait()
	}
	if len(s.queue) == 0 && s.stopped {
		return nil, false
	}
	nal := s.queue[0]
	s.queue = s.queue[1:]
	s.cond.Signal() // wake a Block-mode Enqueue waiting for room
	return nal, true
}

// Stop unblocks Run and any blocked Enqueue calls.
func (s *Stage) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.cond.Broadcast()
}

// Stats snapshots the stage's counters.
type Stats struct {
	Queued   int
	Dropped  uint64
	Decoded  uint64
	Failures uint64
}

func (s *Stage) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Queued: len(s.queue), Dropped: s.dropped, Decoded: s.decoded, Failures: s.failures}
}
