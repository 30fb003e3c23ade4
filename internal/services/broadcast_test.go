package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/faba-community/activity-bot/internal/registry"
)

const (
	ownerID = int64(1)
	adminID = int64(2)
)

func newTestBroadcast(t *testing.T, ft *fakeTransport) *BroadcastService {
	t.Helper()
	return &BroadcastService{
		Registry:      newTestRegistry(t),
		Access:        registry.NewAccessList([]int64{adminID}, ownerID),
		Delivery:      &DeliveryEngine{Transport: ft},
		BufferMax:     100,
		OwnerOnlyTest: true,
	}
}

func ref(id int) MessageRef { return MessageRef{FromChatID: adminID, MessageID: id} }

func TestBroadcastFullSession(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestBroadcast(t, ft)
	ctx := context.Background()

	s.OpenMenu(adminID)
	if state, _ := s.StateOf(adminID); state != StateMenuOffered {
		t.Fatalf("state after OpenMenu = %v, want StateMenuOffered", state)
	}

	if err := s.SelectMode(adminID, ModeProduction); err != nil {
		t.Fatalf("SelectMode: %v", err)
	}
	for i := 1; i <= 3; i++ {
		first, err := s.Collect(adminID, ref(i))
		if err != nil {
			t.Fatalf("Collect #%d: %v", i, err)
		}
		if got, want := first, i == 1; got != want {
			t.Errorf("Collect #%d first = %v, want %v", i, got, want)
		}
	}

	report, err := s.Flush(ctx, adminID)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if report.Messages != 3 {
		t.Errorf("Messages = %d, want 3", report.Messages)
	}
	if report.Targets != 3 {
		t.Errorf("Targets = %d, want 3 (whole production registry)", report.Targets)
	}
	if report.Attempts() != 9 {
		t.Errorf("Attempts = %d, want 9", report.Attempts())
	}
	if len(report.FailedByChat) != 0 {
		t.Errorf("FailedByChat = %v, want empty", report.FailedByChat)
	}
	if report.JobID == "" {
		t.Error("JobID is empty")
	}
	if got := ft.copyCount(); got != 9 {
		t.Errorf("transport attempts = %d, want 9", got)
	}

	// The flush resets the session no matter what.
	if state, mode := s.StateOf(adminID); state != StateIdle || mode != ModeUnset {
		t.Errorf("state after flush = (%v, %v), want idle/unset", state, mode)
	}
	if _, err := s.Flush(ctx, adminID); !errors.Is(err, ErrNothingToSend) {
		t.Errorf("second Flush err = %v, want ErrNothingToSend", err)
	}
}

func TestBroadcastTestModeTargetsSubset(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestBroadcast(t, ft)

	if err := s.SelectMode(ownerID, ModeTest); err != nil {
		t.Fatalf("SelectMode: %v", err)
	}
	if _, err := s.Collect(ownerID, ref(1)); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	report, err := s.Flush(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if report.Targets != 1 {
		t.Errorf("Targets = %d, want 1 (test subset)", report.Targets)
	}
	if got := ft.copyCount(); got != 1 {
		t.Fatalf("transport attempts = %d, want 1", got)
	}
	if ft.copies[0].chatID != -300 {
		t.Errorf("delivered to %d, want the test chat -300", ft.copies[0].chatID)
	}
}

func TestBroadcastOwnerOnlyGate(t *testing.T) {
	s := newTestBroadcast(t, &fakeTransport{})

	if err := s.SelectMode(adminID, ModeTest); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("admin SelectMode(test) err = %v, want ErrAccessDenied", err)
	}
	if err := s.SelectMode(ownerID, ModeTest); err != nil {
		t.Errorf("owner SelectMode(test) err = %v, want nil", err)
	}
	if s.CanTest(adminID) {
		t.Error("CanTest(admin) = true, want false under the owner-only gate")
	}
	if !s.CanTest(ownerID) {
		t.Error("CanTest(owner) = false, want true")
	}

	s.OwnerOnlyTest = false
	if err := s.SelectMode(adminID, ModeTest); err != nil {
		t.Errorf("admin SelectMode(test) with gate off err = %v, want nil", err)
	}
	if !s.CanTest(adminID) {
		t.Error("CanTest(admin) with gate off = false, want true")
	}
}

func TestBroadcastInvalidTransitions(t *testing.T) {
	s := newTestBroadcast(t, &fakeTransport{})
	ctx := context.Background()

	// Collect outside a session.
	if _, err := s.Collect(adminID, ref(1)); !errors.Is(err, ErrInvalidSessionState) {
		t.Errorf("Collect while idle err = %v, want ErrInvalidSessionState", err)
	}

	// Collect after the menu but before a mode pick.
	s.OpenMenu(adminID)
	if _, err := s.Collect(adminID, ref(1)); !errors.Is(err, ErrInvalidSessionState) {
		t.Errorf("Collect while menu offered err = %v, want ErrInvalidSessionState", err)
	}

	// Flush with an empty buffer.
	if err := s.SelectMode(adminID, ModeProduction); err != nil {
		t.Fatalf("SelectMode: %v", err)
	}
	if _, err := s.Flush(ctx, adminID); !errors.Is(err, ErrNothingToSend) {
		t.Errorf("empty Flush err = %v, want ErrNothingToSend", err)
	}
	// The failed flush left the session collecting.
	if state, _ := s.StateOf(adminID); state != StateCollecting {
		t.Errorf("state after empty flush = %v, want StateCollecting", state)
	}

	// Unknown mode.
	if err := s.SelectMode(adminID, Mode(99)); !errors.Is(err, ErrInvalidSessionState) {
		t.Errorf("SelectMode(99) err = %v, want ErrInvalidSessionState", err)
	}
}

func TestBroadcastBufferCap(t *testing.T) {
	s := newTestBroadcast(t, &fakeTransport{})
	s.BufferMax = 2

	if err := s.SelectMode(adminID, ModeProduction); err != nil {
		t.Fatalf("SelectMode: %v", err)
	}
	for i := 1; i <= 2; i++ {
		if _, err := s.Collect(adminID, ref(i)); err != nil {
			t.Fatalf("Collect #%d: %v", i, err)
		}
	}
	if _, err := s.Collect(adminID, ref(3)); !errors.Is(err, ErrBufferFull) {
		t.Errorf("Collect over cap err = %v, want ErrBufferFull", err)
	}

	// The capped message is not buffered; the flush sends exactly two.
	report, err := s.Flush(context.Background(), adminID)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if report.Messages != 2 {
		t.Errorf("Messages = %d, want 2", report.Messages)
	}
}

func TestBroadcastReopenDiscardsDraft(t *testing.T) {
	s := newTestBroadcast(t, &fakeTransport{})

	if err := s.SelectMode(adminID, ModeProduction); err != nil {
		t.Fatalf("SelectMode: %v", err)
	}
	if _, err := s.Collect(adminID, ref(1)); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	s.OpenMenu(adminID)
	if state, mode := s.StateOf(adminID); state != StateMenuOffered || mode != ModeUnset {
		t.Fatalf("state after reopen = (%v, %v), want menu offered/unset", state, mode)
	}
	if err := s.SelectMode(adminID, ModeProduction); err != nil {
		t.Fatalf("SelectMode: %v", err)
	}
	if first, err := s.Collect(adminID, ref(2)); err != nil || !first {
		t.Errorf("Collect after reopen = (%v, %v), want first message of a fresh buffer", first, err)
	}
}

func TestBroadcastFlushReportsFailedDestinations(t *testing.T) {
	ft := &fakeTransport{failChats: map[int64]bool{-200: true}}
	s := newTestBroadcast(t, ft)

	if err := s.SelectMode(adminID, ModeProduction); err != nil {
		t.Fatalf("SelectMode: %v", err)
	}
	for i := 1; i <= 2; i++ {
		if _, err := s.Collect(adminID, ref(i)); err != nil {
			t.Fatalf("Collect: %v", err)
		}
	}

	report, err := s.Flush(context.Background(), adminID)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := report.FailedChatIDs(); len(got) != 1 || got[0] != -200 {
		t.Fatalf("FailedChatIDs = %v, want [-200]", got)
	}
	// Both messages were still attempted on every target.
	if got := ft.copyCount(); got != 6 {
		t.Errorf("transport attempts = %d, want 6", got)
	}
}

// The session mutex is held through the whole flush, so a concurrent collect
// either lands before the flush (and is delivered) or after it (and fails
// against the reset session). Every delivered message must be accounted for
// in the report, and the session must end idle. Run with -race.
func TestBroadcastConcurrentCollectAndFlush(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestBroadcast(t, ft)

	if err := s.SelectMode(adminID, ModeProduction); err != nil {
		t.Fatalf("SelectMode: %v", err)
	}
	// Seed one message so the flush cannot race into ErrNothingToSend.
	if _, err := s.Collect(adminID, ref(0)); err != nil {
		t.Fatalf("Collect seed: %v", err)
	}

	const collectors = 8
	var collected int64
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 1; i <= collectors; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := s.Collect(adminID, ref(i)); err == nil {
				atomic.AddInt64(&collected, 1)
			} else if !errors.Is(err, ErrInvalidSessionState) {
				t.Errorf("Collect #%d: %v", i, err)
			}
		}()
	}

	var report *FlushReport
	var flushErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		report, flushErr = s.Flush(context.Background(), adminID)
	}()

	close(start)
	wg.Wait()

	if flushErr != nil {
		t.Fatalf("Flush: %v", flushErr)
	}
	want := 1 + int(atomic.LoadInt64(&collected))
	if report.Messages != want {
		t.Errorf("Messages = %d, want %d (seed + every collect that happened before the flush)", report.Messages, want)
	}
	// Every reported message was fanned out to the whole production registry.
	if got := ft.copyCount(); got != want*3 {
		t.Errorf("transport attempts = %d, want %d", got, want*3)
	}
	if state, mode := s.StateOf(adminID); state != StateIdle || mode != ModeUnset {
		t.Errorf("state after concurrent flush = (%v, %v), want idle/unset", state, mode)
	}
	// The buffer is gone: a late collect cannot resurrect the session.
	if _, err := s.Collect(adminID, ref(99)); !errors.Is(err, ErrInvalidSessionState) {
		t.Errorf("post-flush Collect err = %v, want ErrInvalidSessionState", err)
	}
}

func TestBroadcastSessionsAreIndependent(t *testing.T) {
	s := newTestBroadcast(t, &fakeTransport{})

	if err := s.SelectMode(adminID, ModeProduction); err != nil {
		t.Fatalf("SelectMode admin: %v", err)
	}
	if _, err := s.Collect(adminID, ref(1)); err != nil {
		t.Fatalf("Collect admin: %v", err)
	}

	// The owner resetting their own session must not touch the admin's draft.
	s.Reset(ownerID)
	if state, _ := s.StateOf(adminID); state != StateCollecting {
		t.Errorf("admin state = %v, want StateCollecting", state)
	}
}
