package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/fmha/internal/attention"
	"github.com/samcharles93/fmha/internal/device"
	"github.com/samcharles93/fmha/internal/tensor"
)

// session is an incremental decode on a shared-buffer cache. Steps on one
// session are serialised by mu.
type session struct {
	id        string
	createdAt time.Time
	node      *attention.Node
	stream    *device.Stream
	weights   *tensor.Tensor
	bias      *tensor.Tensor
	maxSeqLen int

	mu     sync.Mutex
	cache  *tensor.Tensor
	past   int
	steps  int
	closed bool
}

func (s *session) describe() SessionResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionResponse{
		ID:                 s.id,
		Object:             "session",
		CreatedAt:          s.createdAt.Unix(),
		NumHeads:           s.node.Options().NumHeads,
		InputHiddenSize:    s.weights.Dim(0),
		MaxSequenceLength:  s.maxSeqLen,
		PastSequenceLength: s.past,
		Steps:              s.steps,
	}
}

func (s *session) close() error {
	s.closed = true
	return s.stream.Destroy()
}

type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*session),
	}
}

func (s *SessionStore) add(sess *session) {
	sess.id = "sess_" + uuid.NewString()
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
}

func (s *SessionStore) get(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Delete removes the session and releases its stream.
func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	_ = sess.close()
	return true
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close releases every session.
func (s *SessionStore) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Delete(id)
	}
}
