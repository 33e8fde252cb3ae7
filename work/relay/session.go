package relay

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"stepzz-proxy/work/metrics"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrTooManySessions is returned when the session limit is reached.
var ErrTooManySessions = errors.New("too many relay sessions")

// errReadStalled cancels a session whose upstream stopped delivering bytes.
var errReadStalled = errors.New("upstream read stalled")

// Session kinds.
const (
	KindManifest = "manifest"
	KindSegment  = "segment"
)

// Session is the state of one relay request. It lives exactly as long as the
// request and owns the context every upstream fetch of the request uses.
type Session struct {
	ID        string
	ChannelID string
	Kind      string
	Remote    string
	StartedAt time.Time

	bytes  atomic.Int64
	ctx    context.Context
	cancel context.CancelCauseFunc
	idle   time.Duration
	timer  *time.Timer
	armed  bool
}

// Context returns the session context. It ends when the client goes away,
// when the upstream stalls longer than the idle timeout, or when the session
// is closed.
func (s *Session) Context() context.Context { return s.ctx }

// Arm starts the stall timer. It runs only while the session waits on an
// upstream fetch or body read; resolution is bounded by its own timeout.
// Arm, Disarm and Touch belong to the request goroutine.
func (s *Session) Arm() {
	if s.idle <= 0 {
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.idle, func() { s.cancel(errReadStalled) })
	} else {
		s.timer.Reset(s.idle)
	}
	s.armed = true
}

// Disarm stops the stall timer until the next Arm.
func (s *Session) Disarm() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.armed = false
}

// Touch records upstream progress and re-arms a running stall timer.
func (s *Session) Touch(n int) {
	s.bytes.Add(int64(n))
	if s.armed {
		s.timer.Reset(s.idle)
	}
}

// Bytes returns how many bytes were relayed so far.
func (s *Session) Bytes() int64 { return s.bytes.Load() }

// Stalled reports whether the session was cancelled by the stall timer.
func (s *Session) Stalled() bool {
	return errors.Is(context.Cause(s.ctx), errReadStalled)
}

// SessionInfo is the exported view of a session for the admin API.
type SessionInfo struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	Kind      string    `json:"kind"`
	Remote    string    `json:"remote"`
	StartedAt time.Time `json:"startedAt"`
	Bytes     int64     `json:"bytes"`
}

// Sessions is the registry of live relay sessions.
type Sessions struct {
	sessions *xsync.MapOf[string, *Session]
	active   atomic.Int64
	limit    int64
}

// NewSessions creates a registry admitting at most limit concurrent
// sessions (0 = unlimited).
func NewSessions(limit int) *Sessions {
	return &Sessions{
		sessions: xsync.NewMapOf[string, *Session](),
		limit:    int64(limit),
	}
}

// Start registers a session for r. Its stall timer is idle until Arm. The
// caller must call End when done.
func (s *Sessions) Start(r *http.Request, channelID, kind string, idle time.Duration) (*Session, error) {
	if n := s.active.Add(1); s.limit > 0 && n > s.limit {
		s.active.Add(-1)
		return nil, ErrTooManySessions
	}

	ctx, cancel := context.WithCancelCause(r.Context())
	sess := &Session{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Kind:      kind,
		Remote:    r.RemoteAddr,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		idle:      idle,
	}
	s.sessions.Store(sess.ID, sess)
	metrics.ActiveSessions.WithLabelValues(kind).Inc()
	return sess, nil
}

// End releases the session and cancels anything still bound to it.
func (s *Sessions) End(sess *Session) {
	sess.Disarm()
	sess.cancel(context.Canceled)
	if _, ok := s.sessions.LoadAndDelete(sess.ID); ok {
		s.active.Add(-1)
		metrics.ActiveSessions.WithLabelValues(sess.Kind).Dec()
	}
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	return s.sessions.Size()
}

// Snapshot lists the live sessions, oldest first.
func (s *Sessions) Snapshot() []SessionInfo {
	out := make([]SessionInfo, 0, s.sessions.Size())
	s.sessions.Range(func(_ string, sess *Session) bool {
		out = append(out, SessionInfo{
			ID:        sess.ID,
			ChannelID: sess.ChannelID,
			Kind:      sess.Kind,
			Remote:    sess.Remote,
			StartedAt: sess.StartedAt,
			Bytes:     sess.Bytes(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
