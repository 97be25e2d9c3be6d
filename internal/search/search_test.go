package search

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

type fakeSearcher struct {
	searchFn func(ctx context.Context, q Query) ([]Result, int, error)
}

func (f fakeSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	return f.searchFn(ctx, q)
}

func (f fakeSearcher) Healthy() bool { return true }

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestServiceFallsBackToPostgres(t *testing.T) {
	var got Query
	svc := NewService(nil, fakeSearcher{searchFn: func(_ context.Context, q Query) ([]Result, int, error) {
		got = q
		return []Result{{Type: ResultTask, ID: "t1", Title: "Outline", ProjectID: "p1"}}, 1, nil
	}}, quietLogger())

	resp := svc.Search(context.Background(), Query{Text: "outline", ProjectIDs: []string{"p1"}})
	if resp.Total != 1 || len(resp.Results) != 1 || resp.Results[0].ID != "t1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got.Text != "outline" {
		t.Fatalf("query not forwarded: %+v", got)
	}
}

func TestServiceReturnsEmptyResultsOnError(t *testing.T) {
	svc := NewService(nil, fakeSearcher{searchFn: func(context.Context, Query) ([]Result, int, error) {
		return nil, 0, errors.New("db down")
	}}, quietLogger())

	resp := svc.Search(context.Background(), Query{Text: "x"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Query != "x" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestAllowedProjectsHonorsFilter(t *testing.T) {
	q := Query{ProjectIDs: []string{"p1", "p2"}, FilterProjectID: "p2"}
	if got := q.allowedProjects(); len(got) != 1 || got[0] != "p2" {
		t.Fatalf("allowedProjects() = %v", got)
	}
	q.FilterProjectID = "p9"
	if got := q.allowedProjects(); len(got) != 0 {
		t.Fatalf("filter outside readable set must match nothing, got %v", got)
	}
}

func TestBuildPgQueryScopesByCaller(t *testing.T) {
	sqlText, args := buildPgQuery(Query{Text: "thesis", ProjectIDs: []string{"p1"}, OwnerID: "u1"})
	if len(args) != 3 {
		t.Fatalf("expected text, projects and owner args, got %v", args)
	}
	for _, want := range []string{"FROM projects p", "FROM tasks t", "FROM notes n", "n.owner_id = $3", "ANY($2)"} {
		if !strings.Contains(sqlText, want) {
			t.Fatalf("query missing %q:\n%s", want, sqlText)
		}
	}

	sqlText, args = buildPgQuery(Query{Text: "thesis", FilterType: ResultNote, OwnerID: "u1", ProjectIDs: []string{"p1"}})
	if len(args) != 2 || !strings.Contains(sqlText, "n.owner_id = $2") || strings.Contains(sqlText, "FROM tasks") {
		t.Fatalf("notes-only query wrong: %v\n%s", args, sqlText)
	}

	if sqlText, _ := buildPgQuery(Query{Text: "thesis", FilterType: ResultTask}); sqlText != "" {
		t.Fatalf("caller without projects should get no task query, got %s", sqlText)
	}
}

func TestBuildMeiliQueriesFilters(t *testing.T) {
	queries := buildMeiliQueries(Query{Text: "x", ProjectIDs: []string{"p1", "p2"}, OwnerID: "u1"})
	if len(queries) != 3 {
		t.Fatalf("expected 3 queries, got %d", len(queries))
	}
	want := map[string]string{
		idxProjects: `id IN ["p1", "p2"]`,
		idxTasks:    `projectId IN ["p1", "p2"]`,
		idxNotes:    `ownerId = "u1"`,
	}
	for _, q := range queries {
		if q.Filter != want[q.IndexUID] {
			t.Fatalf("%s filter = %v, want %s", q.IndexUID, q.Filter, want[q.IndexUID])
		}
		if q.Limit != 20 {
			t.Fatalf("default limit = %d", q.Limit)
		}
	}

	queries = buildMeiliQueries(Query{Text: "x", FilterProjectID: "p1", ProjectIDs: []string{"p1"}, OwnerID: "u1"})
	for _, q := range queries {
		if q.IndexUID == idxNotes {
			t.Fatal("project-filtered search must not include notes")
		}
	}
}
