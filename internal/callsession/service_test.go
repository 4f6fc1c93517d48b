package callsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"telemed-platform/internal/appointment"
	"telemed-platform/internal/audit"
	"telemed-platform/pkg/utils"
)

type fixture struct {
	svc      *Service
	sessions *MemoryRepo
	appts    *appointment.MemoryRepo
	tx       *utils.MemoryTxRunner
	events   *audit.MemoryRepo

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		sessions: NewMemoryRepo(),
		appts: appointment.NewMemoryRepo(
			appointment.Appointment{ID: "appt-1", DoctorID: "doc-1", PatientID: "pat-1", ScheduledAt: t0},
			appointment.Appointment{ID: "appt-2", DoctorID: "doc-1", PatientID: "pat-2", ScheduledAt: t0},
		),
		events: audit.NewMemoryRepo(),
		now:    t0,
	}
	f.tx = utils.NewMemoryTxRunner(f.sessions, f.appts)
	base := []Option{WithClock(f.clock), WithEventRecorder(audit.NewService(f.events))}
	f.svc = NewService(f.sessions, f.appts, f.tx, append(base, opts...)...)
	return f
}

func (f *fixture) start(t *testing.T, appointmentID string) Session {
	t.Helper()
	appt, ok, _ := f.appts.FindByID(context.Background(), appointmentID)
	if !ok {
		t.Fatalf("appointment %s not seeded", appointmentID)
	}
	s, err := f.svc.StartCall(context.Background(), appointmentID, appt.DoctorID, appt.PatientID)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	return s
}

func (f *fixture) appointment(t *testing.T, id string) appointment.Appointment {
	t.Helper()
	a, ok, err := f.appts.FindByID(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("find appointment %s: ok=%v err=%v", id, ok, err)
	}
	return a
}

func (f *fixture) eventTypes() []audit.EventType {
	out := make([]audit.EventType, 0)
	for _, e := range f.events.Events() {
		out = append(out, e.Type)
	}
	return out
}

func TestStartCall_CreatesSessionAndMirror(t *testing.T) {
	f := newFixture(t)

	s := f.start(t, "appt-1")
	if s.ID == "" {
		t.Fatalf("expected session id")
	}
	if s.Status != StatusInitiating {
		t.Fatalf("expected INITIATING, got %s", s.Status)
	}
	if s.Participants.DoctorID != "doc-1" || s.Participants.PatientID != "pat-1" {
		t.Fatalf("unexpected participants: %+v", s.Participants)
	}
	if s.ReconnectionAttempts != 0 || s.CanRejoinUntil != nil || s.EndedAt != nil {
		t.Fatalf("unexpected fresh session: %+v", s)
	}
	if !s.StartedAt.Equal(t0) || !s.LastActiveAt.Equal(t0) {
		t.Fatalf("expected timestamps at %v", t0)
	}

	a := f.appointment(t, "appt-1")
	if a.ActiveCall == nil || a.ActiveCall.SessionID != s.ID || a.ActiveCall.Status != appointment.ActiveCallStatusActive {
		t.Fatalf("unexpected mirror: %+v", a.ActiveCall)
	}
	if a.ActiveCall.CanRejoinUntil == nil || !a.ActiveCall.CanRejoinUntil.Equal(t0.Add(DefaultInitialRejoinGrace)) {
		t.Fatalf("expected mirror deadline start+5m, got %v", a.ActiveCall.CanRejoinUntil)
	}

	if got := f.eventTypes(); len(got) != 1 || got[0] != audit.EventTypeCallStarted {
		t.Fatalf("expected call_started event, got %v", got)
	}
}

func TestStartCall_ReturnsExistingLiveSession(t *testing.T) {
	f := newFixture(t)

	first := f.start(t, "appt-1")
	f.advance(time.Minute)
	second := f.start(t, "appt-1")

	if first.ID != second.ID {
		t.Fatalf("expected same session, got %s and %s", first.ID, second.ID)
	}
	if n := len(f.sessions.All()); n != 1 {
		t.Fatalf("expected 1 session, got %d", n)
	}
	if n := len(f.events.Events()); n != 1 {
		t.Fatalf("expected one call_started event, got %d", n)
	}
}

func TestStartCall_ConcurrentCallersShareOneSession(t *testing.T) {
	for _, unsupported := range []bool{false, true} {
		f := newFixture(t)
		f.tx.Unsupported = unsupported

		const n = 16
		ids := make([]string, n)
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, err := f.svc.StartCall(context.Background(), "appt-1", "doc-1", "pat-1")
				ids[i], errs[i] = s.ID, err
			}(i)
		}
		wg.Wait()

		for i := 0; i < n; i++ {
			if errs[i] != nil {
				t.Fatalf("unsupported=%v: caller %d: %v", unsupported, i, errs[i])
			}
			if ids[i] != ids[0] {
				t.Fatalf("unsupported=%v: callers got different sessions: %s vs %s", unsupported, ids[i], ids[0])
			}
		}
		if got := len(f.sessions.All()); got != 1 {
			t.Fatalf("unsupported=%v: expected 1 session, got %d", unsupported, got)
		}
	}
}

func TestStartCall_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.StartCall(ctx, "", "doc-1", "pat-1"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := f.svc.StartCall(ctx, "missing", "doc-1", "pat-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.StartCall(ctx, "appt-1", "doc-1", "pat-2"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if n := len(f.sessions.All()); n != 0 {
		t.Fatalf("expected no sessions, got %d", n)
	}

	live, err := f.svc.StartCall(ctx, "appt-1", "doc-1", "pat-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, ids := range [][2]string{{"intruder", "pat-9"}, {"doc-1", "pat-9"}, {"intruder", "pat-1"}} {
		got, err := f.svc.StartCall(ctx, "appt-1", ids[0], ids[1])
		if !errors.Is(err, ErrNotParticipant) {
			t.Fatalf("%v: expected ErrNotParticipant for live session %s, got %+v err=%v", ids, live.ID, got, err)
		}
	}
}

func TestMemoryRepo_UpdateCallStatusRejectsUnknownStatus(t *testing.T) {
	repo := NewMemoryRepo()
	if _, _, err := repo.UpdateCallStatus(context.Background(), "s-1", Status("PAUSED"), time.Now()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestStartCall_RollsBackWhenMirrorFails(t *testing.T) {
	f := newFixture(t)
	f.appts.FailUpdates = errors.New("appointments unavailable")

	if _, err := f.svc.StartCall(context.Background(), "appt-1", "doc-1", "pat-1"); err == nil {
		t.Fatalf("expected error")
	}
	if n := len(f.sessions.All()); n != 0 {
		t.Fatalf("expected session insert rolled back, got %d sessions", n)
	}
	if n := len(f.events.Events()); n != 0 {
		t.Fatalf("expected no events on failure, got %d", n)
	}
}

func TestStartCall_WithoutTransactionsWritesSequentially(t *testing.T) {
	f := newFixture(t)
	f.tx.Unsupported = true
	f.appts.FailUpdates = errors.New("appointments unavailable")

	if _, err := f.svc.StartCall(context.Background(), "appt-1", "doc-1", "pat-1"); err == nil {
		t.Fatalf("expected error")
	}
	// No atomicity without transactions: the session write stays.
	if n := len(f.sessions.All()); n != 1 {
		t.Fatalf("expected 1 session left behind, got %d", n)
	}
}

func TestEndCall_EndsSessionAndStampsAppointment(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "appt-1")
	f.advance(10 * time.Minute)

	ended, err := f.svc.EndCall(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	want := t0.Add(10 * time.Minute)
	if ended.Status != StatusEnded || ended.EndedAt == nil || !ended.EndedAt.Equal(want) {
		t.Fatalf("unexpected ended session: %+v", ended)
	}

	a := f.appointment(t, "appt-1")
	if a.ActiveCall == nil || a.ActiveCall.Status != appointment.ActiveCallStatusEnded || a.ActiveCall.CanRejoinUntil != nil {
		t.Fatalf("unexpected mirror: %+v", a.ActiveCall)
	}
	if a.SessionEndTime == nil || !a.SessionEndTime.Equal(want) {
		t.Fatalf("expected session end time %v, got %v", want, a.SessionEndTime)
	}

	if _, ok, _ := f.svc.GetActiveCallByAppointment(context.Background(), "appt-1"); ok {
		t.Fatalf("expected no active call after end")
	}
}

func TestEndCall_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "appt-1")

	first, err := f.svc.EndCall(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	f.advance(time.Hour)
	second, err := f.svc.EndCall(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("second end: %v", err)
	}
	if !second.EndedAt.Equal(*first.EndedAt) {
		t.Fatalf("expected EndedAt unchanged, got %v then %v", first.EndedAt, second.EndedAt)
	}

	n := 0
	for _, typ := range f.eventTypes() {
		if typ == audit.EventTypeCallEnded {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("expected a single call_ended event, got %d", n)
	}
}

func TestEndCall_UnknownSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.EndCall(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.EndCall(context.Background(), ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestStartCall_AfterEndCreatesNewSession(t *testing.T) {
	f := newFixture(t)
	first := f.start(t, "appt-1")
	if _, err := f.svc.EndCall(context.Background(), first.ID); err != nil {
		t.Fatalf("end: %v", err)
	}

	second := f.start(t, "appt-1")
	if second.ID == first.ID {
		t.Fatalf("expected a new session after end")
	}
	if second.Status != StatusInitiating {
		t.Fatalf("expected INITIATING, got %s", second.Status)
	}
	if a := f.appointment(t, "appt-1"); a.ActiveCall.SessionID != second.ID || a.ActiveCall.Status != appointment.ActiveCallStatusActive {
		t.Fatalf("expected mirror to follow the new session: %+v", a.ActiveCall)
	}

	latest, ok, err := f.svc.LatestCallByAppointment(context.Background(), "appt-1")
	if err != nil || !ok || latest.ID != second.ID {
		t.Fatalf("expected latest %s, got %+v ok=%v err=%v", second.ID, latest, ok, err)
	}
}

func TestHandleReconnection_OpensRejoinWindow(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "appt-1")
	f.advance(2 * time.Minute)

	r, err := f.svc.HandleReconnection(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	deadline := t0.Add(2*time.Minute + DefaultReconnectWindow)
	if r.Status != StatusReconnecting || r.ReconnectionAttempts != 1 {
		t.Fatalf("unexpected session: %+v", r)
	}
	if r.CanRejoinUntil == nil || !r.CanRejoinUntil.Equal(deadline) {
		t.Fatalf("expected deadline %v, got %v", deadline, r.CanRejoinUntil)
	}

	a := f.appointment(t, "appt-1")
	if a.ActiveCall.Status != appointment.ActiveCallStatusActive || !a.ActiveCall.CanRejoinUntil.Equal(deadline) {
		t.Fatalf("unexpected mirror: %+v", a.ActiveCall)
	}

	f.advance(5 * time.Second)
	r, err = f.svc.HandleReconnection(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("second reconnect: %v", err)
	}
	if r.ReconnectionAttempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", r.ReconnectionAttempts)
	}
	if !r.CanRejoinUntil.Equal(deadline.Add(5 * time.Second)) {
		t.Fatalf("expected deadline pushed to %v, got %v", deadline.Add(5*time.Second), r.CanRejoinUntil)
	}
}

func TestHandleReconnection_RefusesEndedSession(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "appt-1")
	if _, err := f.svc.EndCall(context.Background(), s.ID); err != nil {
		t.Fatalf("end: %v", err)
	}

	if _, err := f.svc.HandleReconnection(context.Background(), s.ID); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
	got, _, _ := f.sessions.FindByID(context.Background(), s.ID)
	if got.Status != StatusEnded || got.ReconnectionAttempts != 0 {
		t.Fatalf("ended session must not change: %+v", got)
	}
	if _, err := f.svc.HandleReconnection(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCheckCanRejoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st, err := f.svc.CheckCanRejoin(ctx, "appt-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.CanRejoin || st.Reason != reasonNoActiveCall || st.Session != nil {
		t.Fatalf("expected no_active_call, got %+v", st)
	}

	s := f.start(t, "appt-1")
	if st, _ = f.svc.CheckCanRejoin(ctx, "appt-1"); !st.CanRejoin || st.Session == nil || st.Session.ID != s.ID {
		t.Fatalf("expected initiating call to be rejoinable, got %+v", st)
	}

	if _, err := f.svc.HandleReconnection(ctx, s.ID); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	deadline := t0.Add(DefaultReconnectWindow)

	f.now = deadline.Add(-time.Millisecond)
	if st, _ = f.svc.CheckCanRejoin(ctx, "appt-1"); !st.CanRejoin {
		t.Fatalf("expected rejoin allowed just before deadline, got %+v", st)
	}
	f.now = deadline.Add(time.Millisecond)
	if st, _ = f.svc.CheckCanRejoin(ctx, "appt-1"); st.CanRejoin || st.Reason != reasonExpired {
		t.Fatalf("expected expired just after deadline, got %+v", st)
	}

	if _, err := f.svc.EndCall(ctx, s.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if st, _ = f.svc.CheckCanRejoin(ctx, "appt-1"); st.CanRejoin || st.Reason != reasonEnded {
		t.Fatalf("expected ended, got %+v", st)
	}

	if _, err := f.svc.CheckCanRejoin(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCheckCanRejoin_DanglingMirror(t *testing.T) {
	f := newFixture(t)
	f.appts.Put(appointment.Appointment{
		ID:         "appt-3",
		DoctorID:   "doc-1",
		PatientID:  "pat-1",
		ActiveCall: &appointment.ActiveCall{SessionID: "gone", Status: appointment.ActiveCallStatusActive},
	})

	st, err := f.svc.CheckCanRejoin(context.Background(), "appt-3")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.CanRejoin || st.Reason != reasonSessionNotFound {
		t.Fatalf("expected session_not_found, got %+v", st)
	}
}

func TestCheckCanRejoin_DoesNotMutate(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "appt-1")
	before, _, _ := f.sessions.FindByID(context.Background(), s.ID)

	for i := 0; i < 3; i++ {
		if _, err := f.svc.CheckCanRejoin(context.Background(), "appt-1"); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	after, _, _ := f.sessions.FindByID(context.Background(), s.ID)
	if !before.UpdatedAt.Equal(after.UpdatedAt) || before.Status != after.Status {
		t.Fatalf("check must not mutate: before=%+v after=%+v", before, after)
	}
}

func TestRejoinCall_WithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t, "appt-1")
	if _, err := f.svc.HandleReconnection(ctx, s.ID); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	f.advance(10 * time.Second)

	r, err := f.svc.RejoinCall(ctx, "appt-1", "pat-1")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if r.ID != s.ID || r.Status != StatusActive || r.ReconnectionAttempts != 0 || r.CanRejoinUntil != nil {
		t.Fatalf("unexpected rejoined session: %+v", r)
	}
	if !r.LastActiveAt.Equal(t0.Add(10 * time.Second)) {
		t.Fatalf("expected last active refreshed, got %v", r.LastActiveAt)
	}

	a := f.appointment(t, "appt-1")
	if a.ActiveCall.Status != appointment.ActiveCallStatusActive || a.ActiveCall.CanRejoinUntil != nil {
		t.Fatalf("unexpected mirror: %+v", a.ActiveCall)
	}

	evs := f.events.Events()
	last := evs[len(evs)-1]
	if last.Type != audit.EventTypeCallRejoined || last.ActorUserID != "pat-1" {
		t.Fatalf("expected call_rejoined by pat-1, got %+v", last)
	}
}

func TestRejoinCall_ActivatesInitiatingSession(t *testing.T) {
	f := newFixture(t)
	f.start(t, "appt-1")

	r, err := f.svc.RejoinCall(context.Background(), "appt-1", "doc-1")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if r.Status != StatusActive {
		t.Fatalf("expected ACTIVE, got %s", r.Status)
	}
}

func TestRejoinCall_Refusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.RejoinCall(ctx, "appt-1", "pat-1"); !errors.Is(err, ErrCannotRejoin) {
		t.Fatalf("expected ErrCannotRejoin without a call, got %v", err)
	}

	s := f.start(t, "appt-1")
	if _, err := f.svc.RejoinCall(ctx, "appt-1", "stranger"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}

	if _, err := f.svc.HandleReconnection(ctx, s.ID); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	f.advance(DefaultReconnectWindow + time.Second)
	_, err := f.svc.RejoinCall(ctx, "appt-1", "pat-1")
	if !errors.Is(err, ErrCannotRejoin) {
		t.Fatalf("expected ErrCannotRejoin after expiry, got %v", err)
	}

	got, _, _ := f.sessions.FindByID(ctx, s.ID)
	if got.Status != StatusReconnecting {
		t.Fatalf("refused rejoin must not change status, got %s", got.Status)
	}
}

func TestUpdateSocketConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t, "appt-1")
	f.advance(time.Second)

	got, err := f.svc.UpdateSocketConnection(ctx, s.ID, "doc-1", "sock-d", RoleDoctor)
	if err != nil {
		t.Fatalf("update socket: %v", err)
	}
	if got.Participants.DoctorSocketID == nil || *got.Participants.DoctorSocketID != "sock-d" {
		t.Fatalf("expected doctor socket set: %+v", got.Participants)
	}
	if got.Participants.PatientSocketID != nil {
		t.Fatalf("patient socket must be untouched")
	}
	if got.Status != StatusInitiating {
		t.Fatalf("socket update must not change status, got %s", got.Status)
	}
	if !got.LastActiveAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("expected last active refreshed, got %v", got.LastActiveAt)
	}

	if _, err := f.svc.UpdateSocketConnection(ctx, s.ID, "pat-1", "sock-x", RoleDoctor); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant for role mismatch, got %v", err)
	}
	if _, err := f.svc.UpdateSocketConnection(ctx, "nope", "doc-1", "sock-d", RoleDoctor); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.UpdateSocketConnection(ctx, s.ID, "doc-1", "sock-d", Role("nurse")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}

	if _, err := f.svc.EndCall(ctx, s.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	got, err = f.svc.UpdateSocketConnection(ctx, s.ID, "pat-1", "sock-p", RolePatient)
	if err != nil {
		t.Fatalf("socket update on ended session: %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("socket update must not revive a session, got %s", got.Status)
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expiring := f.start(t, "appt-1")
	fresh := f.start(t, "appt-2")
	if _, err := f.svc.HandleReconnection(ctx, expiring.ID); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	f.advance(20 * time.Second)
	if _, err := f.svc.HandleReconnection(ctx, fresh.ID); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	f.advance(15 * time.Second)

	if n := f.svc.CleanupExpiredSessions(ctx); n != 1 {
		t.Fatalf("expected 1 expired session, got %d", n)
	}

	got, _, _ := f.sessions.FindByID(ctx, expiring.ID)
	if got.Status != StatusEnded || got.EndedAt == nil {
		t.Fatalf("expected expired session ENDED: %+v", got)
	}
	if a := f.appointment(t, "appt-1"); a.ActiveCall.Status != appointment.ActiveCallStatusEnded {
		t.Fatalf("expected mirror ENDED, got %+v", a.ActiveCall)
	}
	if got, _, _ := f.sessions.FindByID(ctx, fresh.ID); got.Status != StatusReconnecting {
		t.Fatalf("session within window must survive, got %s", got.Status)
	}

	if n := f.svc.CleanupExpiredSessions(ctx); n != 0 {
		t.Fatalf("expected second sweep to end nothing, got %d", n)
	}
}

func TestCleanupExpiredSessions_FailureIsContained(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t, "appt-1")
	if _, err := f.svc.HandleReconnection(ctx, s.ID); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	f.advance(time.Minute)
	f.appts.FailUpdates = errors.New("appointments unavailable")

	if n := f.svc.CleanupExpiredSessions(ctx); n != 0 {
		t.Fatalf("expected 0 on failure, got %d", n)
	}
	if got, _, _ := f.sessions.FindByID(ctx, s.ID); got.Status != StatusReconnecting {
		t.Fatalf("expected sweep rolled back, got %s", got.Status)
	}
}

func TestActiveCallsForParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.start(t, "appt-1")
	f.advance(time.Second)
	b := f.start(t, "appt-2")

	got, err := f.svc.ActiveCallsForParticipant(ctx, "doc-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != b.ID || got[1].ID != a.ID {
		t.Fatalf("expected most recently active first, got %+v", got)
	}

	if _, err := f.svc.EndCall(ctx, b.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if got, _ = f.svc.ActiveCallsForParticipant(ctx, "pat-2"); len(got) != 0 {
		t.Fatalf("ended calls must not be listed, got %+v", got)
	}
	if _, err := f.svc.ActiveCallsForParticipant(ctx, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestServiceOptions(t *testing.T) {
	f := newFixture(t, WithInitialGrace(time.Minute), WithReconnectWindow(10*time.Second))
	s := f.start(t, "appt-1")

	if a := f.appointment(t, "appt-1"); !a.ActiveCall.CanRejoinUntil.Equal(t0.Add(time.Minute)) {
		t.Fatalf("expected custom grace, got %v", a.ActiveCall.CanRejoinUntil)
	}
	r, err := f.svc.HandleReconnection(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !r.CanRejoinUntil.Equal(t0.Add(10 * time.Second)) {
		t.Fatalf("expected custom window, got %v", r.CanRejoinUntil)
	}
}

func TestEventRecorderFailureDoesNotFailCalls(t *testing.T) {
	f := newFixture(t)
	f.events.Err = errors.New("audit down")

	s := f.start(t, "appt-1")
	if _, err := f.svc.EndCall(context.Background(), s.ID); err != nil {
		t.Fatalf("end must succeed when audit fails: %v", err)
	}
}

type failingLock struct{ calls int }

func (l *failingLock) Lock(context.Context, string) (func(), error) {
	l.calls++
	return nil, errors.New("redis down")
}

func TestStartCall_ProceedsWhenLockUnavailable(t *testing.T) {
	lock := &failingLock{}
	f := newFixture(t, WithStartLock(lock))

	s := f.start(t, "appt-1")
	if s.ID == "" || lock.calls != 1 {
		t.Fatalf("expected start to proceed past lock failure, got %+v calls=%d", s, lock.calls)
	}
}

func TestStartCall_HonorsCanceledContextWhileLocking(t *testing.T) {
	lock := &failingLock{}
	f := newFixture(t, WithStartLock(lock))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.svc.StartCall(ctx, "appt-1", "doc-1", "pat-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestReconnectionCounterResetsOnRejoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t, "appt-1")

	var r Session
	var err error
	for i := 0; i < 3; i++ {
		if r, err = f.svc.HandleReconnection(ctx, s.ID); err != nil {
			t.Fatalf("reconnect %d: %v", i, err)
		}
	}
	if r.ReconnectionAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", r.ReconnectionAttempts)
	}

	if r, err = f.svc.RejoinCall(ctx, "appt-1", "doc-1"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if r.ReconnectionAttempts != 0 {
		t.Fatalf("expected counter reset, got %d", r.ReconnectionAttempts)
	}
}

func TestCleanupExpiredSessions_EndsOnlyExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const expired, active = 3, 2
	past := t0.Add(-time.Second)
	for i := 0; i < expired; i++ {
		f.sessions.Put(Session{
			ID:             fmt.Sprintf("exp-%d", i),
			AppointmentID:  fmt.Sprintf("appt-exp-%d", i),
			Status:         StatusReconnecting,
			CanRejoinUntil: &past,
		})
	}
	for i := 0; i < active; i++ {
		f.sessions.Put(Session{
			ID:            fmt.Sprintf("act-%d", i),
			AppointmentID: fmt.Sprintf("appt-act-%d", i),
			Status:        StatusActive,
		})
	}

	if n := f.svc.CleanupExpiredSessions(ctx); n != expired {
		t.Fatalf("expected %d ended, got %d", expired, n)
	}
	for _, s := range f.sessions.All() {
		want := StatusActive
		if strings.HasPrefix(s.ID, "exp-") {
			want = StatusEnded
		}
		if s.Status != want {
			t.Fatalf("session %s: expected %s, got %s", s.ID, want, s.Status)
		}
	}
}

func TestCallLifecycleScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.svc.StartCall(ctx, "appt-1", "doc-1", "pat-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Status != StatusInitiating {
		t.Fatalf("expected INITIATING, got %s", s.Status)
	}
	a := f.appointment(t, "appt-1")
	if a.ActiveCall.Status != appointment.ActiveCallStatusActive || !a.ActiveCall.CanRejoinUntil.Equal(t0.Add(5*time.Minute)) {
		t.Fatalf("unexpected mirror after start: %+v", a.ActiveCall)
	}

	r, err := f.svc.HandleReconnection(ctx, s.ID)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if r.Status != StatusReconnecting || r.ReconnectionAttempts != 1 || !r.CanRejoinUntil.Equal(t0.Add(30*time.Second)) {
		t.Fatalf("unexpected session after reconnect: %+v", r)
	}

	f.advance(10 * time.Second)
	r, err = f.svc.RejoinCall(ctx, "appt-1", "pat-1")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if r.Status != StatusActive || r.ReconnectionAttempts != 0 {
		t.Fatalf("unexpected session after rejoin: %+v", r)
	}

	r, err = f.svc.EndCall(ctx, s.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if r.Status != StatusEnded || r.EndedAt == nil {
		t.Fatalf("unexpected session after end: %+v", r)
	}
	if a := f.appointment(t, "appt-1"); a.ActiveCall.CanRejoinUntil != nil {
		t.Fatalf("expected mirror deadline cleared, got %v", a.ActiveCall.CanRejoinUntil)
	}

	want := []audit.EventType{
		audit.EventTypeCallStarted,
		audit.EventTypeCallReconnecting,
		audit.EventTypeCallRejoined,
		audit.EventTypeCallEnded,
	}
	got := f.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}
