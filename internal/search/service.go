package search

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/google/web-prototyping-tool-sub004/internal/queue"
)

// indexer is the write side of Meilisearch.
type indexer interface {
	Healthy() bool
	IndexRecords(records []Record) error
	DeleteRecord(key string) error
}

type indexJob struct {
	upserts []Record
	deletes []string
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili  *Meili
	pgfts  *PgFTS
	logger zerolog.Logger

	index indexer
	// jobs applies index changes one at a time in the order they were queued.
	jobs *queue.Window[indexJob]
}

// NewService creates a search service. Either backend may be nil.
func NewService(meili *Meili, pgfts *PgFTS, logger zerolog.Logger) *Service {
	var idx indexer
	if meili != nil {
		idx = meili
	}
	s := newService(idx, pgfts, logger)
	s.meili = meili
	return s
}

func newService(idx indexer, pgfts *PgFTS, logger zerolog.Logger) *Service {
	s := &Service{index: idx, pgfts: pgfts, logger: logger.With().Str("component", "search").Logger()}
	s.jobs = queue.New(context.Background(), 0, queue.KeepAll, s.flushIndex)
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.logger.Error().Err(err).Msg("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Index queues record changes for Meilisearch without blocking the caller.
// Calls are applied in order. PG FTS needs no indexing; it reads the
// stored documents.
func (s *Service) Index(upserts []Record, deletes []string) {
	if s.index == nil || len(upserts)+len(deletes) == 0 {
		return
	}
	if err := s.jobs.Push(indexJob{upserts: upserts, deletes: deletes}); err != nil {
		s.logger.Warn().Err(err).Int("records", len(upserts)).Msg("index job not queued")
	}
}

func (s *Service) flushIndex(_ context.Context, jobs []indexJob) {
	for _, job := range jobs {
		if !s.index.Healthy() {
			s.logger.Debug().Int("records", len(job.upserts)).Msg("meilisearch unhealthy, index job skipped")
			continue
		}
		if len(job.upserts) > 0 {
			if err := s.index.IndexRecords(job.upserts); err != nil {
				s.logger.Warn().Err(err).Int("records", len(job.upserts)).Msg("index records failed")
			}
		}
		for _, key := range job.deletes {
			if err := s.index.DeleteRecord(key); err != nil {
				s.logger.Warn().Err(err).Str("key", key).Msg("delete record failed")
			}
		}
	}
}

// Flush waits until every queued index change has been applied.
func (s *Service) Flush(ctx context.Context) error {
	return s.jobs.Flush(ctx)
}

// Close applies the queued index changes and stops the worker.
func (s *Service) Close(ctx context.Context) error {
	return s.jobs.Close(ctx)
}

// ReindexProject reads a project's contents from PG and pushes them to
// Meilisearch.
func (s *Service) ReindexProject(ctx context.Context, projectID string) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadRecords(ctx, projectID)
	if err != nil {
		s.logger.Warn().Err(err).Str("project", projectID).Msg("reindex load failed")
		return
	}
	if err := s.meili.IndexRecords(records); err != nil {
		s.logger.Warn().Err(err).Str("project", projectID).Msg("reindex failed")
	}
}

// Healthy reports whether any backend can serve queries.
func (s *Service) Healthy() bool {
	return (s.meili != nil && s.meili.Healthy()) || s.pgfts != nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
