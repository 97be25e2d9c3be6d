package report

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate = template.Must(template.New("report.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.UTC().Format(layout)
	},
	"roleLabel": func(role string) string {
		label := strings.ReplaceAll(role, "_", " ")
		if label == "" {
			return label
		}
		return strings.ToUpper(label[:1]) + label[1:]
	},
}).ParseFS(templateFS, "templates/report.html"))

// RenderHTML renders the report template. Values are HTML-escaped.
func RenderHTML(doc Document) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, doc); err != nil {
		return "", err
	}
	return buf.String(), nil
}
