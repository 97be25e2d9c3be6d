package report

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func sampleInput() Input {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return Input{
		ProjectID:   "prj_1",
		Title:       "Thesis: Draft <One>",
		Description: "Capstone write-up",
		Members: []Member{
			{UserID: "u1", Name: "Avery", Email: "avery@example.com", Role: "leader"},
			{UserID: "u2", Name: "Jordan", Email: "jordan@example.com", Role: "doc_manager"},
		},
		Tasks: []Task{
			{ID: "t1", Title: "Outline", Status: "done", AssigneeID: "u2", OwnerID: "u1", UpdatedAt: base.Add(time.Hour)},
			{ID: "t2", Title: "Survey", Status: "done", OwnerID: "u1", UpdatedAt: base},
			{ID: "t3", Title: "Results", Status: "in_progress", OwnerID: "u1", UpdatedAt: base},
			{ID: "t4", Title: "Slides", Status: "todo", OwnerID: "u2", UpdatedAt: base},
		},
		Commits: []Commit{
			{Hash: "c3", Author: "Avery", Message: "Add results", At: base.Add(3 * time.Hour)},
			{Hash: "c2", Author: "jordan", Message: "Fix outline", At: base.Add(2 * time.Hour)},
			{Hash: "c1", Author: "Avery", Message: "Create outline.md", At: base.Add(-time.Hour)},
		},
		Messages: []Message{
			{UserID: "u2", UserName: "Jordan", Text: "pushed   the\noutline", At: base.Add(150 * time.Minute)},
		},
		ChatCounts: map[string]int{"u2": 4},
		Now:        base.Add(4 * time.Hour),
	}
}

func TestBuildProgress(t *testing.T) {
	p := BuildProgress(sampleInput())
	if p.TasksDone != 2 || p.TasksInProgress != 1 || p.TasksTodo != 1 || p.CompletionPercent != 50 {
		t.Fatalf("unexpected task counts: %+v", p)
	}
	if p.TotalCommits != 3 || len(p.Members) != 2 {
		t.Fatalf("unexpected totals: %+v", p)
	}
	avery, jordan := p.Members[0], p.Members[1]
	if avery.Commits != 2 || avery.TasksCompleted != 1 || avery.Messages != 0 {
		t.Fatalf("avery = %+v", avery)
	}
	if jordan.Commits != 1 || jordan.TasksCompleted != 1 || jordan.Messages != 4 {
		t.Fatalf("jordan = %+v", jordan)
	}
}

func TestBuildProgressWithoutTasks(t *testing.T) {
	p := BuildProgress(Input{Title: "Empty"})
	if p.CompletionPercent != 0 || p.Members == nil {
		t.Fatalf("unexpected progress: %+v", p)
	}
}

func TestTimelineNewestFirst(t *testing.T) {
	items := Timeline(sampleInput(), 3)
	if len(items) != 3 {
		t.Fatalf("len = %d", len(items))
	}
	if items[0].Type != ActivityCommit || items[0].Summary != "Add results" {
		t.Fatalf("first = %+v", items[0])
	}
	if items[1].Type != ActivityMessage || items[1].Summary != "pushed the outline" {
		t.Fatalf("second = %+v", items[1])
	}
	if items[2].Type != ActivityCommit || items[2].Actor != "jordan" {
		t.Fatalf("third = %+v", items[2])
	}

	all := Timeline(sampleInput(), 0)
	if len(all) != 8 {
		t.Fatalf("len(all) = %d", len(all))
	}
	for _, item := range all {
		if item.Type == ActivityTask && item.Summary == "Outline (done)" && item.Actor != "Jordan" {
			t.Fatalf("task activity should credit the assignee: %+v", item)
		}
	}
}

func TestParseFormat(t *testing.T) {
	for raw, want := range map[string]Format{"": FormatPDF, "PDF": FormatPDF, "docx": FormatDOCX, " html ": FormatHTML} {
		got, err := ParseFormat(raw)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %q, %v", raw, got, err)
		}
	}
	if _, err := ParseFormat("odt"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("ParseFormat(odt) error = %v", err)
	}
}

func TestFilename(t *testing.T) {
	at := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	tests := map[string]string{
		"Thesis: Draft <One>": "thesis-draft-one-report-2026-03-02",
		"  ":                  "project-report-2026-03-02",
		"Über Projekt 2":      "ber-projekt-2-report-2026-03-02",
	}
	for title, want := range tests {
		if got := Filename(title, at); got != want {
			t.Errorf("Filename(%q) = %q, want %q", title, got, want)
		}
	}
}

func TestRenderHTMLEscapesValues(t *testing.T) {
	in := sampleInput()
	html, err := RenderHTML(Document{Progress: BuildProgress(in), Activity: Timeline(in, 5)})
	if err != nil {
		t.Fatalf("RenderHTML() error = %v", err)
	}
	for _, want := range []string{"Thesis: Draft &lt;One&gt;", "Team contributions", "Doc manager", "50%", "Recent activity", "Add results"} {
		if !strings.Contains(html, want) {
			t.Errorf("html missing %q", want)
		}
	}
	if strings.Contains(html, "<One>") {
		t.Error("title was not escaped")
	}
}

func TestRendererFormats(t *testing.T) {
	r := NewRenderer(time.Second)
	var gotHTML string
	r.pdf = func(ctx context.Context, html string) ([]byte, error) {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("pdf render has no deadline")
		}
		gotHTML = html
		return []byte("%PDF-1.7"), nil
	}
	r.docx = func(context.Context, string) ([]byte, error) {
		return nil, ErrDOCXDependencyMissing
	}
	in := sampleInput()
	doc := Document{Progress: BuildProgress(in)}

	res, err := r.Render(context.Background(), doc, FormatPDF)
	if err != nil {
		t.Fatalf("Render(pdf) error = %v", err)
	}
	if res.MimeType != "application/pdf" || res.Filename != "thesis-draft-one-report-2026-03-02.pdf" || string(res.Data) != "%PDF-1.7" {
		t.Fatalf("unexpected pdf result: %+v", res)
	}
	if !strings.Contains(gotHTML, "Team contributions") {
		t.Fatal("pdf renderer did not receive the report html")
	}

	res, err = r.Render(context.Background(), doc, FormatHTML)
	if err != nil || !strings.HasPrefix(res.MimeType, "text/html") || !strings.HasSuffix(res.Filename, ".html") {
		t.Fatalf("Render(html) = %+v, %v", res, err)
	}
	if _, err := r.Render(context.Background(), doc, FormatDOCX); !errors.Is(err, ErrDOCXDependencyMissing) {
		t.Fatalf("Render(docx) error = %v", err)
	}
	if _, err := r.Render(context.Background(), doc, Format("odt")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Render(odt) error = %v", err)
	}
}
