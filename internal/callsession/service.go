package callsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"telemed-platform/internal/appointment"
	"telemed-platform/internal/audit"
	"telemed-platform/pkg/logger"
	"telemed-platform/pkg/utils"

	"github.com/google/uuid"
)

const (
	DefaultInitialRejoinGrace = 5 * time.Minute
	DefaultReconnectWindow    = 30 * time.Second
)

// EventRecorder receives lifecycle events. Recording is best-effort.
type EventRecorder interface {
	Record(ctx context.Context, e audit.Event) error
}

// Service coordinates the call session lifecycle of appointments.
//
// It keeps no state between calls. Writes touching both the session and the
// appointment mirror go through one unit of work; when the store cannot run
// transactions the two writes are applied in order without atomicity.
type Service struct {
	repo   Repository
	appts  appointment.Repository
	tx     utils.TxRunner
	lock   StartLock
	events EventRecorder

	// clock is injectable for deterministic tests.
	clock           func() time.Time
	initialGrace    time.Duration
	reconnectWindow time.Duration
}

type Option func(*Service)

func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func WithInitialGrace(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.initialGrace = d
		}
	}
}

func WithReconnectWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.reconnectWindow = d
		}
	}
}

func WithStartLock(l StartLock) Option {
	return func(s *Service) {
		if l != nil {
			s.lock = l
		}
	}
}

func WithEventRecorder(r EventRecorder) Option {
	return func(s *Service) { s.events = r }
}

func NewService(repo Repository, appts appointment.Repository, tx utils.TxRunner, opts ...Option) *Service {
	s := &Service{
		repo:            repo,
		appts:           appts,
		tx:              tx,
		lock:            NoopStartLock{},
		clock:           time.Now,
		initialGrace:    DefaultInitialRejoinGrace,
		reconnectWindow: DefaultReconnectWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) now() time.Time { return s.clock().UTC() }

// StartCall returns the appointment's live session, creating it if none exists.
//
// Concurrent or repeated calls for the same appointment yield the same session.
func (s *Service) StartCall(ctx context.Context, appointmentID, doctorID, patientID string) (Session, error) {
	if appointmentID == "" || doctorID == "" || patientID == "" {
		return Session{}, ErrInvalidArgument
	}
	log := logger.From(ctx).With("appointment_id", appointmentID)

	unlock, err := s.lock.Lock(ctx, appointmentID)
	switch {
	case err == nil:
		defer unlock()
	case ctx.Err() != nil:
		return Session{}, ctx.Err()
	default:
		log.Warn("call start lock unavailable, relying on store constraint", "err", err)
	}

	var (
		out     Session
		created bool
	)
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		out, created = Session{}, false

		existing, ok, err := s.repo.FindActiveByAppointmentID(ctx, appointmentID)
		if err != nil {
			return err
		}
		if ok {
			if !existing.startedBy(doctorID, patientID) {
				return fmt.Errorf("appointment %s: %w", appointmentID, ErrNotParticipant)
			}
			out = existing
			return nil
		}

		appt, ok, err := s.appts.FindByID(ctx, appointmentID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("appointment %s: %w", appointmentID, ErrNotFound)
		}
		if appt.DoctorID != doctorID || appt.PatientID != patientID {
			return fmt.Errorf("appointment %s: %w", appointmentID, ErrNotParticipant)
		}

		now := s.now()
		sess, err := s.repo.Create(ctx, NewSession{
			ID:            uuid.NewString(),
			AppointmentID: appointmentID,
			DoctorID:      doctorID,
			PatientID:     patientID,
			StartedAt:     now,
		})
		if err != nil {
			return err
		}

		until := now.Add(s.initialGrace)
		if err := s.mirror(ctx, appointmentID, appointment.Patch{ActiveCall: &appointment.ActiveCall{
			SessionID:      sess.ID,
			Status:         appointment.ActiveCallStatusActive,
			CanRejoinUntil: &until,
		}}); err != nil {
			return err
		}
		out, created = sess, true
		return nil
	})
	if errors.Is(err, ErrActiveSessionExists) {
		// Lost a race the store constraint caught; hand back the winner.
		existing, ok, ferr := s.repo.FindActiveByAppointmentID(ctx, appointmentID)
		if ferr != nil {
			return Session{}, fmt.Errorf("callsession: start %s: %w", appointmentID, ferr)
		}
		if ok {
			if !existing.startedBy(doctorID, patientID) {
				return Session{}, fmt.Errorf("callsession: start %s: %w", appointmentID, ErrNotParticipant)
			}
			return existing, nil
		}
	}
	if err != nil {
		return Session{}, fmt.Errorf("callsession: start %s: %w", appointmentID, err)
	}

	if created {
		log.Info("call session started", "session_id", out.ID)
		s.record(ctx, out, audit.EventTypeCallStarted, "", "call started")
	}
	return out, nil
}

// EndCall ends the session and stamps the appointment. Ending an ENDED
// session returns it unchanged.
func (s *Service) EndCall(ctx context.Context, sessionID string) (Session, error) {
	if sessionID == "" {
		return Session{}, ErrInvalidArgument
	}

	var (
		out     Session
		changed bool
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		out, changed = Session{}, false

		cur, err := s.mustFind(ctx, sessionID)
		if err != nil {
			return err
		}
		if cur.Status.IsTerminal() {
			out = cur
			return nil
		}

		now := s.now()
		ended, ok, err := s.repo.UpdateCallStatus(ctx, sessionID, StatusEnded, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		if err := s.mirror(ctx, ended.AppointmentID, appointment.Patch{
			ActiveCall: &appointment.ActiveCall{
				SessionID: ended.ID,
				Status:    appointment.ActiveCallStatusEnded,
			},
			SessionEndTime: &now,
		}); err != nil {
			return err
		}
		out, changed = ended, true
		return nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("callsession: end %s: %w", sessionID, err)
	}

	if changed {
		logger.From(ctx).Info("call session ended", "session_id", out.ID, "appointment_id", out.AppointmentID)
		s.record(ctx, out, audit.EventTypeCallEnded, "", "call ended")
	}
	return out, nil
}

// UpdateSocketConnection records the transport handle of a participant.
// It touches one record and never changes the call status.
func (s *Service) UpdateSocketConnection(ctx context.Context, sessionID, userID, socketID string, role Role) (Session, error) {
	if sessionID == "" || userID == "" || socketID == "" || !role.Valid() {
		return Session{}, ErrInvalidArgument
	}

	out, ok, err := s.repo.UpdateSocketID(ctx, sessionID, userID, socketID, role, s.now())
	if err != nil {
		return Session{}, fmt.Errorf("callsession: socket %s: %w", sessionID, err)
	}
	if ok {
		return out, nil
	}

	// Tell an unknown session apart from a user/role mismatch.
	if _, found, err := s.repo.FindByID(ctx, sessionID); err != nil {
		return Session{}, fmt.Errorf("callsession: socket %s: %w", sessionID, err)
	} else if !found {
		return Session{}, fmt.Errorf("callsession: socket %s: %w", sessionID, ErrNotFound)
	}
	return Session{}, fmt.Errorf("callsession: socket %s as %s: %w", sessionID, role, ErrNotParticipant)
}

// HandleReconnection opens a short rejoin window after a participant dropped.
func (s *Service) HandleReconnection(ctx context.Context, sessionID string) (Session, error) {
	if sessionID == "" {
		return Session{}, ErrInvalidArgument
	}

	var out Session
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		out = Session{}

		cur, err := s.mustFind(ctx, sessionID)
		if err != nil {
			return err
		}
		if cur.Status.IsTerminal() {
			return fmt.Errorf("session %s: %w", sessionID, ErrSessionEnded)
		}

		now := s.now()
		if _, ok, err := s.repo.IncrementReconnectionAttempts(ctx, sessionID, now); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("session %s: %w", sessionID, ErrSessionEnded)
		}

		deadline := now.Add(s.reconnectWindow)
		updated, ok, err := s.repo.SetRejoinExpiry(ctx, sessionID, deadline, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("session %s: %w", sessionID, ErrSessionEnded)
		}

		if err := s.mirror(ctx, updated.AppointmentID, appointment.Patch{ActiveCall: &appointment.ActiveCall{
			SessionID:      updated.ID,
			Status:         appointment.ActiveCallStatusActive,
			CanRejoinUntil: &deadline,
		}}); err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("callsession: reconnect %s: %w", sessionID, err)
	}

	logger.From(ctx).Info("call session reconnecting",
		"session_id", out.ID,
		"attempts", out.ReconnectionAttempts,
		"can_rejoin_until", out.CanRejoinUntil,
	)
	s.record(ctx, out, audit.EventTypeCallReconnecting, "", fmt.Sprintf("reconnection attempt %d", out.ReconnectionAttempts))
	return out, nil
}

// CheckCanRejoin reports whether the appointment's call can be rejoined now.
// It never mutates state.
func (s *Service) CheckCanRejoin(ctx context.Context, appointmentID string) (RejoinStatus, error) {
	if appointmentID == "" {
		return RejoinStatus{}, ErrInvalidArgument
	}
	st, err := s.checkCanRejoin(ctx, appointmentID)
	if err != nil {
		return RejoinStatus{}, fmt.Errorf("callsession: check rejoin %s: %w", appointmentID, err)
	}
	return st, nil
}

func (s *Service) checkCanRejoin(ctx context.Context, appointmentID string) (RejoinStatus, error) {
	appt, ok, err := s.appts.FindByID(ctx, appointmentID)
	if err != nil {
		return RejoinStatus{}, err
	}
	if !ok {
		return RejoinStatus{}, fmt.Errorf("appointment %s: %w", appointmentID, ErrNotFound)
	}
	if appt.ActiveCall == nil || appt.ActiveCall.SessionID == "" {
		return RejoinStatus{Reason: reasonNoActiveCall}, nil
	}

	sess, ok, err := s.repo.FindByID(ctx, appt.ActiveCall.SessionID)
	if err != nil {
		return RejoinStatus{}, err
	}
	if !ok {
		return RejoinStatus{Reason: reasonSessionNotFound}, nil
	}

	can, reason := sess.rejoinable(s.now())
	return RejoinStatus{CanRejoin: can, Session: &sess, Reason: reason}, nil
}

// RejoinCall puts a participant back into the appointment's call.
func (s *Service) RejoinCall(ctx context.Context, appointmentID, userID string) (Session, error) {
	if appointmentID == "" || userID == "" {
		return Session{}, ErrInvalidArgument
	}

	var out Session
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		out = Session{}

		st, err := s.checkCanRejoin(ctx, appointmentID)
		if err != nil {
			return err
		}
		if st.Session != nil && !st.Session.HasParticipant(userID) {
			return ErrNotParticipant
		}
		if !st.CanRejoin {
			return fmt.Errorf("%w: %s", ErrCannotRejoin, st.Reason)
		}

		updated, ok, err := s.repo.MarkRejoined(ctx, st.Session.ID, s.now())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrCannotRejoin, reasonEnded)
		}

		if err := s.mirror(ctx, appointmentID, appointment.Patch{ActiveCall: &appointment.ActiveCall{
			SessionID: updated.ID,
			Status:    appointment.ActiveCallStatusActive,
		}}); err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("callsession: rejoin %s by %s: %w", appointmentID, userID, err)
	}

	logger.From(ctx).Info("call session rejoined", "session_id", out.ID, "user_id", userID)
	s.record(ctx, out, audit.EventTypeCallRejoined, userID, "participant rejoined")
	return out, nil
}

// GetCall returns the session with sessionID, whatever its status.
func (s *Service) GetCall(ctx context.Context, sessionID string) (Session, bool, error) {
	if sessionID == "" {
		return Session{}, false, ErrInvalidArgument
	}
	return s.repo.FindByID(ctx, sessionID)
}

// GetActiveCallByAppointment returns the appointment's non-terminal session, if any.
func (s *Service) GetActiveCallByAppointment(ctx context.Context, appointmentID string) (Session, bool, error) {
	if appointmentID == "" {
		return Session{}, false, ErrInvalidArgument
	}
	return s.repo.FindActiveByAppointmentID(ctx, appointmentID)
}

// LatestCallByAppointment returns the most recent session of the appointment,
// whatever its status.
func (s *Service) LatestCallByAppointment(ctx context.Context, appointmentID string) (Session, bool, error) {
	if appointmentID == "" {
		return Session{}, false, ErrInvalidArgument
	}
	return s.repo.FindByAppointmentID(ctx, appointmentID)
}

// ActiveCallsForParticipant lists the live sessions userID takes part in.
func (s *Service) ActiveCallsForParticipant(ctx context.Context, userID string) ([]Session, error) {
	if userID == "" {
		return nil, ErrInvalidArgument
	}
	return s.repo.FindActiveByParticipant(ctx, userID)
}

// CleanupExpiredSessions ends every session whose rejoin window lapsed and
// returns how many it ended. Storage failures are logged and count as zero.
func (s *Service) CleanupExpiredSessions(ctx context.Context) int {
	log := logger.From(ctx)

	var expired []Session
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		expired = nil

		ended, err := s.repo.CleanupExpiredSessions(ctx, s.now())
		if err != nil {
			return err
		}
		for _, sess := range ended {
			_, _, err := s.appts.UpdateByID(ctx, sess.AppointmentID, appointment.Patch{ActiveCall: &appointment.ActiveCall{
				SessionID: sess.ID,
				Status:    appointment.ActiveCallStatusEnded,
			}})
			if err != nil {
				return err
			}
		}
		expired = ended
		return nil
	})
	if err != nil {
		log.Error("expired call session sweep failed", "err", err)
		return 0
	}

	for _, sess := range expired {
		s.record(ctx, sess, audit.EventTypeCallExpired, "", "rejoin window lapsed")
	}
	if len(expired) > 0 {
		log.Info("expired call sessions ended", "count", len(expired))
	}
	return len(expired)
}

func (s *Service) mustFind(ctx context.Context, sessionID string) (Session, error) {
	cur, ok, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return cur, nil
}

func (s *Service) mirror(ctx context.Context, appointmentID string, patch appointment.Patch) error {
	_, ok, err := s.appts.UpdateByID(ctx, appointmentID, patch)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("appointment %s: %w", appointmentID, ErrNotFound)
	}
	return nil
}

func (s *Service) record(ctx context.Context, sess Session, typ audit.EventType, actor, msg string) {
	if s.events == nil {
		return
	}
	err := s.events.Record(ctx, audit.Event{
		SessionID:     sess.ID,
		AppointmentID: sess.AppointmentID,
		Type:          typ,
		ActorUserID:   actor,
		Status:        string(sess.Status),
		Message:       msg,
	})
	if err != nil {
		logger.From(ctx).Warn("call event not recorded", "session_id", sess.ID, "type", typ, "err", err)
	}
}
