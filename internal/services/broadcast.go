// Package services – BroadcastService
//
// This file implements the per-administrator broadcast session engine: a
// state machine that turns a sequence of private messages into a fan-out job.
// Each administrator owns at most one session; sessions are independent, so
// locking is per admin and never crosses administrators. Session state lives
// in memory only and does not survive a restart (accepted limitation: an
// unfinished draft is simply recomposed).
package services

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/faba-community/activity-bot/internal/registry"
)

// Mode selects the destination set of a broadcast session.
type Mode int

const (
	// ModeUnset means the administrator has not picked a destination set yet.
	ModeUnset Mode = iota
	// ModeProduction targets every chat in the production registry.
	ModeProduction
	// ModeTest targets the small test subset.
	ModeTest
)

// State is the lifecycle position of a broadcast session.
type State int

const (
	// StateIdle: no session in progress.
	StateIdle State = iota
	// StateMenuOffered: the menu was shown; waiting for a mode selection.
	StateMenuOffered
	// StateCollecting: a mode is selected; private messages are buffered.
	StateCollecting
	// StateFlushing: the buffer is being fanned out.
	StateFlushing
)

// session is one administrator's compose state. The mutex serializes all
// operations for that administrator, including the whole flush, so a
// concurrent collect can never interleave with a running flush.
type session struct {
	mu     sync.Mutex
	state  State
	mode   Mode
	buffer []MessageRef
}

// FlushReport summarizes one completed fan-out job.
type FlushReport struct {
	// JobID identifies the flush in logs.
	JobID string
	// Mode the session was in.
	Mode Mode
	// Messages is the number of buffered messages that were fanned out.
	Messages int
	// Targets is the number of destination chats per message.
	Targets int
	// FailedByChat maps each failed destination to its final delivery error.
	// A destination appears here when any of the job's messages failed for it.
	FailedByChat map[int64]error
}

// Attempts returns the total number of (message, target) delivery attempts.
func (r *FlushReport) Attempts() int { return r.Messages * r.Targets }

// FailedChatIDs returns the failed destinations as a sorted slice.
func (r *FlushReport) FailedChatIDs() []int64 {
	out := make([]int64, 0, len(r.FailedByChat))
	for id := range r.FailedByChat {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BroadcastService drives per-administrator broadcast sessions.
// It is safe for concurrent use.
type BroadcastService struct {
	Registry *registry.Registry
	Access   *registry.AccessList
	Delivery *DeliveryEngine

	// BufferMax caps the number of buffered messages per session.
	BufferMax int
	// OwnerOnlyTest gates ModeTest behind the owner capability.
	OwnerOnlyTest bool

	mu       sync.Mutex
	sessions map[int64]*session
}

// sessionFor returns (creating if needed) the session owned by adminID.
func (s *BroadcastService) sessionFor(adminID int64) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = make(map[int64]*session)
	}
	sess, ok := s.sessions[adminID]
	if !ok {
		sess = &session{state: StateIdle}
		s.sessions[adminID] = sess
	}
	return sess
}

// OpenMenu offers the action menu, discarding any unfinished session.
func (s *BroadcastService) OpenMenu(adminID int64) {
	sess := s.sessionFor(adminID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.state = StateMenuOffered
	sess.mode = ModeUnset
	sess.buffer = nil
}

// SelectMode starts collecting for the given mode with an empty buffer,
// replacing any previous session. Test mode requires the owner capability
// while the owner-only gate is enabled.
func (s *BroadcastService) SelectMode(adminID int64, mode Mode) error {
	if mode != ModeProduction && mode != ModeTest {
		return ErrInvalidSessionState
	}
	if mode == ModeTest && s.OwnerOnlyTest && !s.Access.IsOwner(adminID) {
		return ErrAccessDenied
	}

	sess := s.sessionFor(adminID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.state = StateCollecting
	sess.mode = mode
	sess.buffer = sess.buffer[:0]
	return nil
}

// Collect appends a message reference to the session buffer. It reports
// whether this was the first buffered message so the caller can acknowledge
// once per session. Valid only while collecting.
func (s *BroadcastService) Collect(adminID int64, ref MessageRef) (first bool, err error) {
	sess := s.sessionFor(adminID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state != StateCollecting {
		return false, ErrInvalidSessionState
	}
	if s.BufferMax > 0 && len(sess.buffer) >= s.BufferMax {
		return false, ErrBufferFull
	}
	sess.buffer = append(sess.buffer, ref)
	return len(sess.buffer) == 1, nil
}

// Flush fans every buffered message out to the session's destination set and
// resets the session to idle regardless of outcome: each buffered item gets
// at most one delivery job, and no retry queue survives the flush.
//
// A flush outside the collecting state, or with an empty buffer, returns
// ErrNothingToSend and leaves the session exactly as it was.
func (s *BroadcastService) Flush(ctx context.Context, adminID int64) (*FlushReport, error) {
	tr := otel.Tracer("services/BroadcastService")
	ctx, span := tr.Start(ctx, "Flush",
		trace.WithAttributes(attribute.Int64("admin.id", adminID)),
	)
	defer span.End()

	sess := s.sessionFor(adminID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state != StateCollecting || len(sess.buffer) == 0 {
		return nil, ErrNothingToSend
	}

	sess.state = StateFlushing
	targets := s.targetsFor(sess.mode)

	report := &FlushReport{
		JobID:        uuid.NewString(),
		Mode:         sess.mode,
		Messages:     len(sess.buffer),
		Targets:      len(targets),
		FailedByChat: make(map[int64]error),
	}
	for _, ref := range sess.buffer {
		for chatID, derr := range s.Delivery.Deliver(ctx, ref, targets) {
			report.FailedByChat[chatID] = derr
		}
	}
	flushesTotal.Inc()

	// Discard the buffer no matter how delivery went.
	sess.state = StateIdle
	sess.mode = ModeUnset
	sess.buffer = nil
	return report, nil
}

// Reset forces the session back to idle, dropping any buffered messages.
func (s *BroadcastService) Reset(adminID int64) {
	sess := s.sessionFor(adminID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.state = StateIdle
	sess.mode = ModeUnset
	sess.buffer = nil
}

// CanTest reports whether adminID may start a test broadcast under the
// current owner-only gate.
func (s *BroadcastService) CanTest(adminID int64) bool {
	return !s.OwnerOnlyTest || s.Access.IsOwner(adminID)
}

// StateOf reports the current session state and mode for adminID.
func (s *BroadcastService) StateOf(adminID int64) (State, Mode) {
	sess := s.sessionFor(adminID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state, sess.mode
}

// targetsFor resolves the destination set: registry order for production,
// the fixed test subset for test mode.
func (s *BroadcastService) targetsFor(mode Mode) []int64 {
	if mode == ModeTest {
		return s.Registry.TestChatIDs()
	}
	return s.Registry.ProductionChatIDs()
}
