package callsession

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests and local runs.
// It enforces the one-active-session-per-appointment rule like the
// Postgres partial unique index does, and takes part in
// utils.MemoryTxRunner units of work via Snapshot.
type MemoryRepo struct {
	mu       sync.Mutex
	sessions map[string]Session
	// seq orders sessions created within the same clock tick.
	seq   map[string]int
	nextN int
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{sessions: map[string]Session{}, seq: map[string]int{}}
}

// Put stores s as-is, bypassing invariant checks. Test seeding only.
func (r *MemoryRepo) Put(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(s)
}

func (r *MemoryRepo) put(s Session) {
	if _, ok := r.seq[s.ID]; !ok {
		r.nextN++
		r.seq[s.ID] = r.nextN
	}
	r.sessions[s.ID] = s.clone()
}

// All returns every stored session ordered by creation.
func (r *MemoryRepo) All() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(Session) bool { return true })
}

func (r *MemoryRepo) sorted(keep func(Session) bool) []Session {
	out := make([]Session, 0)
	for _, s := range r.sessions {
		if keep(s) {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return r.seq[out[i].ID] < r.seq[out[j].ID] })
	return out
}

func (r *MemoryRepo) FindByID(ctx context.Context, id string) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false, nil
	}
	return s.clone(), true, nil
}

func (r *MemoryRepo) FindByAppointmentID(ctx context.Context, appointmentID string) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.sorted(func(s Session) bool { return s.AppointmentID == appointmentID })
	if len(all) == 0 {
		return Session{}, false, nil
	}
	return all[len(all)-1], true, nil
}

func (r *MemoryRepo) FindActiveByAppointmentID(ctx context.Context, appointmentID string) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.activeFor(appointmentID)
	return s, ok, nil
}

func (r *MemoryRepo) activeFor(appointmentID string) (Session, bool) {
	all := r.sorted(func(s Session) bool {
		return s.AppointmentID == appointmentID && !s.Status.IsTerminal()
	})
	if len(all) == 0 {
		return Session{}, false
	}
	return all[len(all)-1], true
}

func (r *MemoryRepo) FindActiveByParticipant(ctx context.Context, userID string) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sorted(func(s Session) bool {
		return !s.Status.IsTerminal() && s.HasParticipant(userID)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastActiveAt.After(out[j].LastActiveAt) })
	return out, nil
}

func (r *MemoryRepo) ListByDoctor(ctx context.Context, doctorID string, from, to time.Time) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sorted(func(s Session) bool {
		return s.Participants.DoctorID == doctorID && !s.StartedAt.Before(from) && s.StartedAt.Before(to)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (r *MemoryRepo) Create(ctx context.Context, in NewSession) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.activeFor(in.AppointmentID); ok {
		return Session{}, ErrActiveSessionExists
	}
	s := Session{
		ID:            in.ID,
		AppointmentID: in.AppointmentID,
		Status:        StatusInitiating,
		Participants: Participants{
			DoctorID:  in.DoctorID,
			PatientID: in.PatientID,
		},
		StartedAt:    in.StartedAt,
		LastActiveAt: in.StartedAt,
		CreatedAt:    in.StartedAt,
		UpdatedAt:    in.StartedAt,
	}
	r.put(s)
	return s.clone(), nil
}

// update applies fn to the session with id when allow accepts it.
func (r *MemoryRepo) update(id string, allow func(Session) bool, fn func(*Session)) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !allow(s) {
		return Session{}, false
	}
	fn(&s)
	r.sessions[id] = s.clone()
	return s.clone(), true
}

func notEnded(s Session) bool { return !s.Status.IsTerminal() }

func (r *MemoryRepo) UpdateSocketID(ctx context.Context, id, userID, socketID string, role Role, now time.Time) (Session, bool, error) {
	if !role.Valid() {
		return Session{}, false, ErrInvalidArgument
	}
	allow := func(s Session) bool {
		got, ok := s.RoleOf(userID)
		return ok && got == role
	}
	s, ok := r.update(id, allow, func(s *Session) {
		sock := socketID
		if role == RoleDoctor {
			s.Participants.DoctorSocketID = &sock
		} else {
			s.Participants.PatientSocketID = &sock
		}
		s.LastActiveAt = now
		s.UpdatedAt = now
	})
	return s, ok, nil
}

func (r *MemoryRepo) UpdateCallStatus(ctx context.Context, id string, status Status, now time.Time) (Session, bool, error) {
	if !status.Valid() {
		return Session{}, false, ErrInvalidArgument
	}
	allow := func(s Session) bool { return notEnded(s) || status == StatusEnded }
	s, ok := r.update(id, allow, func(s *Session) {
		s.Status = status
		if status == StatusEnded && s.EndedAt == nil {
			t := now
			s.EndedAt = &t
		}
		s.LastActiveAt = now
		s.UpdatedAt = now
	})
	return s, ok, nil
}

func (r *MemoryRepo) IncrementReconnectionAttempts(ctx context.Context, id string, now time.Time) (Session, bool, error) {
	s, ok := r.update(id, notEnded, func(s *Session) {
		s.ReconnectionAttempts++
		s.LastActiveAt = now
		s.UpdatedAt = now
	})
	return s, ok, nil
}

func (r *MemoryRepo) SetRejoinExpiry(ctx context.Context, id string, deadline, now time.Time) (Session, bool, error) {
	s, ok := r.update(id, notEnded, func(s *Session) {
		d := deadline
		s.CanRejoinUntil = &d
		s.Status = StatusReconnecting
		s.LastActiveAt = now
		s.UpdatedAt = now
	})
	return s, ok, nil
}

func (r *MemoryRepo) MarkRejoined(ctx context.Context, id string, now time.Time) (Session, bool, error) {
	s, ok := r.update(id, notEnded, func(s *Session) {
		s.Status = StatusActive
		s.ReconnectionAttempts = 0
		s.CanRejoinUntil = nil
		s.LastActiveAt = now
		s.UpdatedAt = now
	})
	return s, ok, nil
}

func (r *MemoryRepo) CleanupExpiredSessions(ctx context.Context, now time.Time) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expired := r.sorted(func(s Session) bool {
		return notEnded(s) && s.CanRejoinUntil != nil && s.CanRejoinUntil.Before(now)
	})
	for i := range expired {
		t := now
		expired[i].Status = StatusEnded
		expired[i].EndedAt = &t
		expired[i].LastActiveAt = now
		expired[i].UpdatedAt = now
		r.sessions[expired[i].ID] = expired[i].clone()
	}
	return expired, nil
}

func (r *MemoryRepo) Snapshot() func() {
	r.mu.Lock()
	saved := make(map[string]Session, len(r.sessions))
	for k, v := range r.sessions {
		saved[k] = v.clone()
	}
	savedSeq := make(map[string]int, len(r.seq))
	for k, v := range r.seq {
		savedSeq[k] = v
	}
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.sessions = saved
		r.seq = savedSeq
		r.mu.Unlock()
	}
}
