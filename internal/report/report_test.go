package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNestedExport(t *testing.T) {
	r, err := Parse([]byte(`{
		"reportId": 42,
		"route": {"name": "Rota Norte", "unit": "U1", "shift": "B", "driver": "Ana"},
		"summary": {"checklistTotal": 20, "checklistNo": "3", "pendencies": 1,
			"items": [{"label": "Pneus", "answer": "NÃO"}]},
		"occurrences": [{"title": "Atraso"}],
		"export": {"statusUploadPdf": "READY", "pdfUrl": "https://x/r.pdf", "generatedAt": "2026-02-20T10:00:00Z"},
		"to": "a@x.com; b@x.com",
		"subject": "  Relatório Turno B  "
	}`))
	require.NoError(t, err)

	assert.Equal(t, "42", r.ReportID)
	assert.Equal(t, Route{Name: "Rota Norte", Unit: "U1", Shift: "B", Driver: "Ana"}, r.Route)
	assert.Equal(t, 20, r.Summary.ChecklistTotal)
	assert.Equal(t, 3, r.Summary.ChecklistNo)
	assert.Equal(t, 1, r.Summary.Occurrences, "occurrence count falls back to list length")
	assert.Equal(t, "READY", r.Export.StatusUploadPDF)
	assert.Equal(t, "https://x/r.pdf", r.Export.PDFURL)
	assert.Equal(t, []string{"a@x.com; b@x.com"}, r.To)
	assert.Equal(t, "Relatório Turno B", r.Subject)
}

func TestParseTopLevelShape(t *testing.T) {
	r, err := Parse([]byte(`{
		"routeName": "Rota Sul", "unit": "U2", "shift": "A",
		"statusUploadPdf": "pending", "pdfFilename": "turno_a.pdf",
		"to": ["a@x.com", "b@x.com"]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "Rota Sul", r.Route.Name)
	assert.Equal(t, "U2", r.Route.Unit)
	assert.Equal(t, "pending", r.Export.StatusUploadPDF)
	assert.Equal(t, "turno_a.pdf", r.Export.Filename())
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, r.To)
	assert.True(t, r.HasPDFMarkers())
}

func TestParseNestedWinsOverTopLevel(t *testing.T) {
	r, err := Parse([]byte(`{
		"pdfUrl": "https://old/r.pdf",
		"statusUploadPdf": "PENDING",
		"export": {"pdfUrl": "https://new/r.pdf", "statusUploadPdf": ""},
		"route": {"unit": "U1"}, "unit": "ignored"
	}`))
	require.NoError(t, err)

	assert.Equal(t, "https://new/r.pdf", r.Export.PDFURL)
	assert.Equal(t, "PENDING", r.Export.StatusUploadPDF, "blank nested field must not clear top-level value")
	assert.Equal(t, "U1", r.Route.Unit)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse([]byte(`{"reportId": {"nested": true}}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestHasPDFMarkers(t *testing.T) {
	assert.False(t, (&Report{}).HasPDFMarkers())
	assert.False(t, (&Report{Export: Export{StatusUploadPDF: "  "}}).HasPDFMarkers())
	assert.True(t, (&Report{Export: Export{StatusUploadPDF: "PENDING"}}).HasPDFMarkers())
	assert.True(t, (&Report{Export: Export{PDFURL: "https://x/r.pdf"}}).HasPDFMarkers())
}

func TestExportMerge(t *testing.T) {
	stored := Export{StatusUploadPDF: "PENDING", GeneratedAt: "t0", PDFFilename: "a.pdf"}
	stored.Merge(Export{StatusUploadPDF: "READY", PDFURL: "https://x/r.pdf"})

	assert.Equal(t, Export{
		StatusUploadPDF: "READY",
		PDFURL:          "https://x/r.pdf",
		GeneratedAt:     "t0",
		PDFFilename:     "a.pdf",
	}, stored)
}

func TestExportFilename(t *testing.T) {
	assert.Equal(t, DefaultPDFFilename, Export{}.Filename())
	assert.Equal(t, "b.pdf", Export{FileName: "b.pdf"}.Filename())
	assert.Equal(t, "a.pdf", Export{FileName: "b.pdf", PDFFilename: "a.pdf"}.Filename())
}

func TestClone(t *testing.T) {
	r := &Report{
		To:          []string{"a@x.com"},
		Occurrences: []Occurrence{{Title: "x"}},
		Summary:     Summary{Items: []ChecklistItem{{Label: "l"}}},
	}
	c := r.Clone()
	c.To[0] = "changed"
	c.Occurrences[0].Title = "changed"
	c.Summary.Items[0].Label = "changed"

	assert.Equal(t, "a@x.com", r.To[0])
	assert.Equal(t, "x", r.Occurrences[0].Title)
	assert.Equal(t, "l", r.Summary.Items[0].Label)
}

func TestEvaluateReadiness(t *testing.T) {
	tests := []struct {
		name   string
		export Export
		want   Readiness
	}{
		{"ready", Export{StatusUploadPDF: "READY", PDFURL: "https://x/r.pdf"}, Readiness{true, "READY", "https://x/r.pdf"}},
		{"case insensitive", Export{StatusUploadPDF: "ready", PDFURL: "https://x/r.pdf"}, Readiness{true, "ready", "https://x/r.pdf"}},
		{"ready without url", Export{StatusUploadPDF: "READY"}, Readiness{false, "READY", ""}},
		{"url without ready", Export{StatusUploadPDF: "PENDING", PDFURL: "https://x/r.pdf"}, Readiness{false, "PENDING", "https://x/r.pdf"}},
		{"blank url", Export{StatusUploadPDF: "READY", PDFURL: "   "}, Readiness{false, "READY", ""}},
		{"nothing", Export{}, Readiness{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateReadiness(&Report{Export: tt.export}))
		})
	}
}

func TestDeriveKey(t *testing.T) {
	recipients := []string{"a@x.com", "b@x.com"}

	tests := []struct {
		name   string
		report Report
		want   string
	}{
		{"reportId first", Report{ReportID: "r1", RunID: "run1", ID: "i1"}, "rid:r1"},
		{"runId next", Report{RunID: "run1", RouteRunID: "rr1"}, "rid:run1"},
		{"routeRunId", Report{RouteRunID: "rr1", ID: "i1"}, "rid:rr1"},
		{"id", Report{ID: "i1"}, "rid:i1"},
		{"export reportId", Report{Export: Export{ReportID: "e1"}}, "rid:e1"},
		{"blank id skipped", Report{ReportID: "  ", RunID: "run1"}, "rid:run1"},
		{
			"fallback",
			Report{Route: Route{Name: "Rota", Unit: "U1", Shift: "B"}, Export: Export{GeneratedAt: "t0"}},
			"auto:Rota|U1|B|t0|a@x.com,b@x.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveKey(&tt.report, recipients))
		})
	}
}

func TestDeriveKeyStableAcrossReadiness(t *testing.T) {
	recipients := []string{"a@x.com"}
	pending := &Report{Route: Route{Unit: "U1", Shift: "B"}, Export: Export{StatusUploadPDF: "PENDING"}}
	ready := &Report{Route: Route{Unit: "U1", Shift: "B"}, Export: Export{StatusUploadPDF: "READY", PDFURL: "https://x/r.pdf"}}

	assert.Equal(t, DeriveKey(pending, recipients), DeriveKey(ready, recipients))
}
