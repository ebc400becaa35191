package state

import (
	"context"
	"errors"

	"github.com/maxpert/tapline/repository"
	"github.com/rs/zerolog/log"
)

// Repository reads and saves state through a document repository. It holds
// no lock of its own, so a save is only as atomic as the backing Update.
type Repository[S Document] struct {
	repo    repository.Repository[S]
	metrics Metrics
}

func NewRepository[S Document](repo repository.Repository[S], metrics Metrics) *Repository[S] {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Repository[S]{repo: repo, metrics: metrics}
}

// Save stores s unless the stored state has a newer epoch. Being fenced is
// not an error. Failures are not retried.
func (r *Repository[S]) Save(ctx context.Context, s S) error {
	if err := r.repo.Update(ctx, s, Merge[S]); err != nil {
		r.metrics.StateSaveFailure(err)
		log.Error().
			Err(err).
			Str("path", r.repo.Path()).
			Int64("epoch", s.Epoch()).
			Msg("Failed to save state")
		return &StateError{Op: "save", Path: r.repo.Path(), Err: err}
	}
	return nil
}

// Read returns the stored state, or false when none has been saved
func (r *Repository[S]) Read(ctx context.Context) (S, bool, error) {
	var zero S
	r.metrics.StateRead()

	exists, err := r.repo.Exists(ctx)
	if err != nil {
		return zero, false, r.readFailure(err)
	}
	if !exists {
		return zero, false, nil
	}

	s, err := r.repo.Get(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		// removed between the existence check and the read
		return zero, false, nil
	}
	if err != nil {
		return zero, false, r.readFailure(err)
	}
	return s, true, nil
}

func (r *Repository[S]) readFailure(err error) error {
	r.metrics.StateReadFailure(err)
	log.Error().
		Err(err).
		Str("path", r.repo.Path()).
		Msg("Failed to read state")
	return &StateError{Op: "read", Path: r.repo.Path(), Err: err}
}

// Path returns the location of the state document
func (r *Repository[S]) Path() string {
	return r.repo.Path()
}
