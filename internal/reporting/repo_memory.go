package reporting

import (
	"context"
	"errors"
	"sync"
	"time"

	"telemed-platform/internal/callsession"
)

// MemoryRepo is a simple in-memory reporting repository for tests and early development.
type MemoryRepo struct {
	mu sync.Mutex

	Sessions []callsession.Session
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) ListByDoctor(ctx context.Context, doctorID string, from, to time.Time) ([]callsession.Session, error) {
	if doctorID == "" {
		return nil, errors.New("doctor_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]callsession.Session, 0)
	for _, s := range r.Sessions {
		if s.Participants.DoctorID != doctorID {
			continue
		}
		if s.StartedAt.Before(from) || !s.StartedAt.Before(to) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
