package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"genmedia-studio/internal/errs"
	"genmedia-studio/internal/metrics"
	"genmedia-studio/internal/studio"
)

// Library is the project's permanent asset library.
type Library interface {
	Promote(ctx context.Context, projectID string, asset studio.GeneratedAsset) error
}

// Notifier hears about entries removed from history.
type Notifier interface {
	HistoryRemoved(ctx context.Context, projectID, assetID string) error
}

type Options struct {
	// Retries bounds the compare-and-swap attempts of one write.
	Retries  int
	Notifier Notifier
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Service applies appends and removals as compare-and-swap writes of the
// whole list, so concurrent writers to one project never lose an entry.
type Service struct {
	backend  Backend
	retries  int
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewService(backend Backend, opts Options) *Service {
	s := &Service{
		backend:  backend,
		retries:  opts.Retries,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if s.retries < 1 {
		s.retries = 5
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s
}

// Append adds asset at the end of the project's history. An entry with the
// same ID already present is not added twice.
func (s *Service) Append(ctx context.Context, projectID string, asset studio.GeneratedAsset) error {
	if asset.ID == "" {
		return errs.New(errs.KindValidation, "history_append", "asset id is required")
	}
	return s.update(ctx, "history_append", projectID, func(entries []studio.GeneratedAsset) ([]studio.GeneratedAsset, error) {
		for _, e := range entries {
			if e.ID == asset.ID {
				return nil, errUnchanged
			}
		}
		return append(entries, asset.Clone()), nil
	})
}

// Remove deletes exactly one entry and leaves the rest untouched.
func (s *Service) Remove(ctx context.Context, projectID, assetID string) error {
	err := s.update(ctx, "history_remove", projectID, func(entries []studio.GeneratedAsset) ([]studio.GeneratedAsset, error) {
		for i, e := range entries {
			if e.ID == assetID {
				out := make([]studio.GeneratedAsset, 0, len(entries)-1)
				out = append(out, entries[:i]...)
				return append(out, entries[i+1:]...), nil
			}
		}
		return nil, notFound("history_remove", assetID)
	})
	if err != nil {
		return err
	}

	if s.notifier != nil {
		if err := s.notifier.HistoryRemoved(ctx, projectID, assetID); err != nil {
			s.logger.Warn("publish history removal failed", "project_id", projectID, "asset_id", assetID, "err", err)
		}
	}
	return nil
}

// List returns the history oldest first.
func (s *Service) List(ctx context.Context, projectID string) ([]studio.GeneratedAsset, error) {
	entries, _, err := s.backend.Load(ctx, projectID)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistence, "history_list", "", err)
	}
	if entries == nil {
		entries = []studio.GeneratedAsset{}
	}
	return entries, nil
}

func (s *Service) Get(ctx context.Context, projectID, assetID string) (studio.GeneratedAsset, error) {
	entries, err := s.List(ctx, projectID)
	if err != nil {
		return studio.GeneratedAsset{}, err
	}
	for _, e := range entries {
		if e.ID == assetID {
			return e, nil
		}
	}
	return studio.GeneratedAsset{}, notFound("history_get", assetID)
}

// Latest returns the most recent entry.
func (s *Service) Latest(ctx context.Context, projectID string) (studio.GeneratedAsset, error) {
	entries, err := s.List(ctx, projectID)
	if err != nil {
		return studio.GeneratedAsset{}, err
	}
	if len(entries) == 0 {
		return studio.GeneratedAsset{}, errs.New(errs.KindNotFound, "history_latest", "project has no history")
	}
	return entries[len(entries)-1], nil
}

// Promote copies an entry into lib. The history itself is left as it is.
func (s *Service) Promote(ctx context.Context, projectID, assetID string, lib Library) error {
	asset, err := s.Get(ctx, projectID, assetID)
	if err != nil {
		return err
	}
	if err := lib.Promote(ctx, projectID, asset); err != nil {
		return errs.Wrap(errs.KindPersistence, "history_promote", asset.ModelID, err)
	}
	s.logger.Info("history entry promoted", "project_id", projectID, "asset_id", assetID)
	return nil
}

var errUnchanged = errors.New("unchanged")

func (s *Service) update(ctx context.Context, stage, projectID string, mutate func([]studio.GeneratedAsset) ([]studio.GeneratedAsset, error)) error {
	if projectID == "" {
		return errs.New(errs.KindValidation, stage, "project id is required")
	}

	for attempt := 1; attempt <= s.retries; attempt++ {
		entries, version, err := s.backend.Load(ctx, projectID)
		if err != nil {
			return errs.Wrap(errs.KindPersistence, stage, "", err)
		}

		next, err := mutate(entries)
		switch {
		case errors.Is(err, errUnchanged):
			return nil
		case errors.Is(err, ErrNotFound):
			return err
		case err != nil:
			return errs.Wrap(errs.KindInternal, stage, "", err)
		}

		_, err = s.backend.Replace(ctx, projectID, next, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return errs.Wrap(errs.KindPersistence, stage, "", err)
		}

		s.metrics.HistoryConflict()
		s.logger.Debug("history version conflict, retrying", "project_id", projectID, "attempt", attempt, "version", version)
	}

	return errs.New(errs.KindPersistence, stage,
		fmt.Sprintf("history for project %s changed concurrently %d times in a row", projectID, s.retries))
}

func notFound(stage, assetID string) error {
	return &errs.Error{Kind: errs.KindNotFound, Stage: stage, Message: fmt.Sprintf("history entry %s not found", assetID), Err: ErrNotFound}
}
