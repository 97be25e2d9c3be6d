package blob

import "testing"

func TestObjectKey(t *testing.T) {
	cases := []struct {
		name     string
		filename string
		want     string
	}{
		{name: "plain", filename: "lecture.pdf", want: "notes/u1/n1/lecture.pdf"},
		{name: "spaces", filename: "week 3 notes.md", want: "notes/u1/n1/week_3_notes.md"},
		{name: "traversal", filename: "../../etc/passwd", want: "notes/u1/n1/passwd"},
		{name: "windows path", filename: `C:\docs\summary.txt`, want: "notes/u1/n1/summary.txt"},
		{name: "only symbols", filename: "???", want: "notes/u1/n1/upload"},
		{name: "empty", filename: "", want: "notes/u1/n1/upload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ObjectKey("u1", "n1", tc.filename); got != tc.want {
				t.Fatalf("ObjectKey(%q) = %q, want %q", tc.filename, got, tc.want)
			}
		})
	}
}

func TestIsText(t *testing.T) {
	if !IsText("text/plain; charset=utf-8", "a.bin") {
		t.Fatal("text content type should be text")
	}
	if !IsText("application/octet-stream", "README.md") {
		t.Fatal("markdown extension should be text")
	}
	if IsText("application/pdf", "slides.pdf") {
		t.Fatal("pdf should not be text")
	}
}

func TestNewRequiresEndpoint(t *testing.T) {
	if _, err := New("", "k", "s", "b", false); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
	if _, err := New("localhost:9000", "k", "s", "b", false); err != nil {
		t.Fatalf("New() error = %v", err)
	}
}
