package device

import (
	"errors"
	"fmt"
	"sync"
)

// ErrStreamDestroyed is returned when work is enqueued on a destroyed stream.
var ErrStreamDestroyed = errors.New("stream destroyed")

// Stream is an ordered queue of device operations. Operations execute on a
// dedicated goroutine in enqueue order, asynchronously to the host. The
// first failing operation makes the stream error sticky: later operations
// are skipped until Synchronize reports the error. Callbacks always run, so
// release bookkeeping happens whether or not the work succeeded.
type Stream struct {
	ops chan streamOp

	mu      sync.Mutex
	cond    *sync.Cond
	pending int
	closed  bool
	err     error
	done    chan struct{}
}

type streamOp struct {
	name     string
	fn       func() error
	callback func()
}

// NewStream starts a stream worker.
func NewStream() *Stream {
	s := &Stream{
		ops:  make(chan streamOp, 64),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

func (s *Stream) loop() {
	defer close(s.done)
	for op := range s.ops {
		if op.callback != nil {
			op.callback()
		} else if s.stickyErr() == nil {
			if err := runOp(op); err != nil {
				s.mu.Lock()
				if s.err == nil {
					s.err = err
				}
				s.mu.Unlock()
			}
		}
		s.mu.Lock()
		s.pending--
		if s.pending == 0 {
			s.cond.Broadcast()
		}
		s.mu.Unlock()
	}
}

func runOp(op streamOp) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = executionError(op.name, rec)
		}
	}()
	if err := op.fn(); err != nil {
		return &ExecutionError{Op: op.name, Err: err}
	}
	return nil
}

func (s *Stream) stickyErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Enqueue schedules fn after all previously enqueued work.
func (s *Stream) Enqueue(name string, fn func() error) error {
	return s.push(streamOp{name: name, fn: fn})
}

// AddCallback schedules a host function that runs once all previously
// enqueued work has finished, regardless of its outcome.
func (s *Stream) AddCallback(fn func()) error {
	return s.push(streamOp{name: "callback", callback: fn})
}

func (s *Stream) push(op streamOp) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamDestroyed
	}
	s.pending++
	s.mu.Unlock()
	s.ops <- op
	return nil
}

// Synchronize blocks until the queue drains and returns (and clears) the
// sticky error, if any.
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		s.cond.Wait()
	}
	err := s.err
	s.err = nil
	return err
}

// Destroy drains the stream and stops its worker. It returns any sticky
// error that was never synchronized.
func (s *Stream) Destroy() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for s.pending > 0 {
		s.cond.Wait()
	}
	err := s.err
	s.err = nil
	s.mu.Unlock()
	close(s.ops)
	<-s.done
	return err
}

// ExecutionError is a failure raised while a stream operation ran.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("device execution failed in %s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func executionError(op string, rec any) error {
	if recErr, ok := rec.(error); ok {
		return &ExecutionError{Op: op, Err: recErr}
	}
	return &ExecutionError{Op: op, Err: fmt.Errorf("%v", rec)}
}
