package runs

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// Line is one item of a stream. Trace lines come from a failed run.
type Line struct {
	Text  string
	Trace bool

	end bool
}

// LineStream is the consumer side of a run.
type LineStream struct {
	id     string
	ch     chan Line
	cancel context.CancelFunc

	abandoned chan struct{}
	abandon   sync.Once
	dropped   atomic.Int64

	mu     sync.Mutex
	ended  bool
	result Result
	done   chan struct{}
}

func newStream(id string, size int, cancel context.CancelFunc) *LineStream {
	return &LineStream{
		id:        id,
		ch:        make(chan Line, size),
		cancel:    cancel,
		abandoned: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *LineStream) ID() string { return s.id }

// Next blocks for the next line. It returns io.EOF once the end marker
// was consumed, or ctx's error.
func (s *LineStream) Next(ctx context.Context) (Line, error) {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return Line{}, io.EOF
	}
	select {
	case <-ctx.Done():
		return Line{}, ctx.Err()
	case l, ok := <-s.ch:
		if !ok || l.end {
			s.mu.Lock()
			s.ended = true
			s.mu.Unlock()
			return Line{}, io.EOF
		}
		return l, nil
	}
}

// Cancel interrupts the run and stops buffering its output.
// Lines not yet read are discarded.
func (s *LineStream) Cancel() {
	s.abandon.Do(func() { close(s.abandoned) })
	s.cancel()
}

func (s *LineStream) cancelRun() { s.cancel() }

// Done is closed when the run has finished and Result is final.
func (s *LineStream) Done() <-chan struct{} { return s.done }

// Result is final once the end marker was read or Done is closed.
func (s *LineStream) Result() Result {
	<-s.done
	return s.result
}

func (s *LineStream) push(l Line) {
	select {
	case <-s.abandoned:
		s.dropped.Add(1)
		return
	default:
	}
	select {
	case s.ch <- l:
	case <-s.abandoned:
		s.dropped.Add(1)
	}
}

func (s *LineStream) finish(res Result) {
	s.result = res
	close(s.done)
	select {
	case s.ch <- Line{end: true}:
	case <-s.abandoned:
	}
	close(s.ch)
}
