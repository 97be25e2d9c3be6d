package search

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili    *Meili
	fallback Searcher
	log      logrus.FieldLogger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Searcher, log logrus.FieldLogger) *Service {
	return &Service{meili: meili, fallback: fallback, log: log.WithField("component", "search")}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.WithError(err).Warn("meilisearch failed, falling back to postgres")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.WithError(err).Error("postgres search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) enabled() bool {
	return s.meili != nil && s.meili.Healthy()
}

// The index and delete methods below push to Meilisearch in the background.
// Postgres FTS reads the tables directly and needs no indexing.

func (s *Service) IndexProject(r ProjectRecord) {
	if !s.enabled() {
		return
	}
	go func() {
		if err := s.meili.IndexProjects(r); err != nil {
			s.log.WithError(err).WithField("project_id", r.ID).Warn("index project")
		}
	}()
}

func (s *Service) IndexTask(r TaskRecord) {
	if !s.enabled() {
		return
	}
	go func() {
		if err := s.meili.IndexTasks(r); err != nil {
			s.log.WithError(err).WithField("task_id", r.ID).Warn("index task")
		}
	}()
}

func (s *Service) IndexNote(r NoteRecord) {
	if !s.enabled() {
		return
	}
	go func() {
		if err := s.meili.IndexNotes(r); err != nil {
			s.log.WithError(err).WithField("note_id", r.ID).Warn("index note")
		}
	}()
}

func (s *Service) Delete(rtyp ResultType, id string) {
	if !s.enabled() {
		return
	}
	go func() {
		if err := s.meili.Delete(rtyp, id); err != nil {
			s.log.WithError(err).WithField("id", id).Warn("delete from index")
		}
	}()
}

// ReindexAllFromPG pushes every searchable row from PostgreSQL into
// Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context, pg *PgFTS) {
	if !s.enabled() || pg == nil {
		return
	}
	projects, tasks, notes, err := pg.LoadAllRecords(ctx)
	if err != nil {
		s.log.WithError(err).Warn("reindex load failed")
		return
	}
	if err := s.meili.IndexProjects(projects...); err != nil {
		s.log.WithError(err).Warn("reindex projects")
	}
	if err := s.meili.IndexTasks(tasks...); err != nil {
		s.log.WithError(err).Warn("reindex tasks")
	}
	if err := s.meili.IndexNotes(notes...); err != nil {
		s.log.WithError(err).Warn("reindex notes")
	}
	s.log.WithFields(logrus.Fields{
		"projects": len(projects),
		"tasks":    len(tasks),
		"notes":    len(notes),
	}).Info("search reindex complete")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
