package persist

import (
	"context"
	"errors"
	"time"

	"github.com/signalsfoundry/orbiter-simulator/internal/logging"
)

// Snapshotter produces snapshot documents.
type Snapshotter interface {
	Snapshot() ([]byte, error)
}

// SnapshotRecorder receives the outcome of each save.
type SnapshotRecorder interface {
	RecordSnapshot(op string, err error)
}

// Autosaver periodically writes the simulation to a Store.
type Autosaver struct {
	source  Snapshotter
	store   Store
	period  time.Duration
	log     logging.Logger
	metrics SnapshotRecorder
}

// AutosaverOption customizes an Autosaver.
type AutosaverOption func(*Autosaver)

// WithSnapshotRecorder reports every save to r.
func WithSnapshotRecorder(r SnapshotRecorder) AutosaverOption {
	return func(a *Autosaver) { a.metrics = r }
}

// NewAutosaver saves source into store every period.
func NewAutosaver(source Snapshotter, store Store, period time.Duration, log logging.Logger, opts ...AutosaverOption) *Autosaver {
	a := &Autosaver{
		source: source,
		store:  store,
		period: period,
		log:    logging.OrNoop(log),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SaveNow writes one snapshot.
func (a *Autosaver) SaveNow(ctx context.Context) error {
	data, err := a.source.Snapshot()
	if err == nil {
		err = a.store.Save(ctx, data)
	}
	if a.metrics != nil {
		a.metrics.RecordSnapshot("save", err)
	}
	if err != nil {
		a.log.Error(ctx, "autosave failed", logging.Err(err))
		return err
	}
	a.log.Debug(ctx, "autosaved", logging.Int("bytes", len(data)))
	return nil
}

// Run saves every period until ctx is done, then saves once more with a
// fresh context so the final state survives shutdown. A non-positive
// period disables the loop but keeps the final save.
func (a *Autosaver) Run(ctx context.Context) error {
	if a.period > 0 {
		ticker := time.NewTicker(a.period)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				_ = a.SaveNow(ctx)
			}
		}
	} else {
		<-ctx.Done()
	}

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return a.SaveNow(finalCtx)
}

// Loader accepts a snapshot document.
type Loader interface {
	Load(ctx context.Context, data []byte) error
}

// Restore loads the latest snapshot from store into target. It reports
// false with a nil error when the store is empty.
func Restore(ctx context.Context, store Store, target Loader) (bool, error) {
	data, err := store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			return false, nil
		}
		return false, err
	}
	if err := target.Load(ctx, data); err != nil {
		return false, err
	}
	return true, nil
}
