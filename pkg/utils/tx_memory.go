package utils

import (
	"context"
	"log/slog"
	"sync"
)

// Snapshotter is implemented by in-memory stores that can take part in a
// MemoryTxRunner unit of work. Snapshot returns a func restoring the state
// captured at call time.
type Snapshotter interface {
	Snapshot() (restore func())
}

// MemoryTxRunner is a TxRunner for in-memory stores, used by tests and local
// runs without Postgres. Units of work are serialized; on error every store is
// restored to its state before the unit of work began.
//
// Unsupported simulates a store without transactions: the atomic attempt is
// refused and fn runs once without snapshots, mirroring UnitOfWork.
type MemoryTxRunner struct {
	Stores      []Snapshotter
	Unsupported bool
	Log         *slog.Logger

	mu sync.Mutex
}

func NewMemoryTxRunner(stores ...Snapshotter) *MemoryTxRunner {
	return &MemoryTxRunner{Stores: stores}
}

func (m *MemoryTxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	log := m.Log
	if log == nil {
		log = slog.Default()
	}
	atomic := func(ctx context.Context) (err error) {
		if m.Unsupported {
			return ErrTxUnsupported
		}
		m.mu.Lock()
		defer m.mu.Unlock()

		restores := make([]func(), 0, len(m.Stores))
		for _, s := range m.Stores {
			restores = append(restores, s.Snapshot())
		}
		defer func() {
			if p := recover(); p != nil {
				rollback(restores)
				panic(p)
			}
			if err != nil {
				rollback(restores)
			}
		}()
		return fn(ctx)
	}
	return runWithFallback(ctx, log, atomic, fn)
}

func rollback(restores []func()) {
	for i := len(restores) - 1; i >= 0; i-- {
		restores[i]()
	}
}
