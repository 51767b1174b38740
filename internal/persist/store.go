// Package persist saves and restores universe snapshots.
package persist

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoSnapshot is returned by Load when nothing has been saved yet.
var ErrNoSnapshot = errors.New("no snapshot saved")

// Store persists snapshot documents as produced by the universe's JSON
// encoding.
type Store interface {
	Save(ctx context.Context, data []byte) error
	Load(ctx context.Context) ([]byte, error)
}

// Tee fans saves out to several stores and loads from the first store that
// has a snapshot.
type Tee []Store

// Save writes data to every store and joins their errors.
func (t Tee) Save(ctx context.Context, data []byte) error {
	var errs []error
	for i, s := range t {
		if err := s.Save(ctx, data); err != nil {
			errs = append(errs, fmt.Errorf("store %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Load returns the first snapshot found, in store order.
func (t Tee) Load(ctx context.Context) ([]byte, error) {
	for _, s := range t {
		data, err := s.Load(ctx)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrNoSnapshot) {
			return nil, err
		}
	}
	return nil, ErrNoSnapshot
}
