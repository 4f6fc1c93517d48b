package appointment

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests and local runs.
// It takes part in utils.MemoryTxRunner units of work via Snapshot.
type MemoryRepo struct {
	mu    sync.Mutex
	items map[string]Appointment

	// FailUpdates makes UpdateByID return the given error, to exercise rollbacks.
	FailUpdates error
}

func NewMemoryRepo(seed ...Appointment) *MemoryRepo {
	r := &MemoryRepo{items: map[string]Appointment{}}
	for _, a := range seed {
		r.items[a.ID] = cloneAppointment(a)
	}
	return r
}

func (r *MemoryRepo) Put(a Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[a.ID] = cloneAppointment(a)
}

func (r *MemoryRepo) FindByID(ctx context.Context, id string) (Appointment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok {
		return Appointment{}, false, nil
	}
	return cloneAppointment(a), true, nil
}

func (r *MemoryRepo) UpdateByID(ctx context.Context, id string, patch Patch) (Appointment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailUpdates != nil {
		return Appointment{}, false, r.FailUpdates
	}
	a, ok := r.items[id]
	if !ok {
		return Appointment{}, false, nil
	}
	if patch.ActiveCall != nil {
		ac := *patch.ActiveCall
		ac.CanRejoinUntil = cloneTime(ac.CanRejoinUntil)
		a.ActiveCall = &ac
	}
	if patch.SessionEndTime != nil {
		a.SessionEndTime = cloneTime(patch.SessionEndTime)
	}
	a.UpdatedAt = time.Now().UTC()
	r.items[id] = a
	return cloneAppointment(a), true, nil
}

func (r *MemoryRepo) Snapshot() func() {
	r.mu.Lock()
	saved := make(map[string]Appointment, len(r.items))
	for k, v := range r.items {
		saved[k] = cloneAppointment(v)
	}
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.items = saved
		r.mu.Unlock()
	}
}

func cloneAppointment(a Appointment) Appointment {
	if a.ActiveCall != nil {
		ac := *a.ActiveCall
		ac.CanRejoinUntil = cloneTime(ac.CanRejoinUntil)
		a.ActiveCall = &ac
	}
	a.SessionEndTime = cloneTime(a.SessionEndTime)
	return a
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
