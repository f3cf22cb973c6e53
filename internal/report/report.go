// Package report models route/shift report payloads and turns them into
// outbound notifications.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/email"
)

// Report is a normalized report payload. Both historical request shapes
// (PDF fields at the top level or nested under "export") decode into it.
type Report struct {
	ReportID   string `json:"reportId,omitempty"`
	RunID      string `json:"runId,omitempty"`
	RouteRunID string `json:"routeRunId,omitempty"`
	ID         string `json:"id,omitempty"`

	Route       Route        `json:"route"`
	Summary     Summary      `json:"summary"`
	Occurrences []Occurrence `json:"occurrences,omitempty"`
	Export      Export       `json:"export"`

	To      []string `json:"to,omitempty"`
	Subject string   `json:"subject,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// Route identifies the run the report belongs to
type Route struct {
	Name    string `json:"name,omitempty"`
	Unit    string `json:"unit,omitempty"`
	Shift   string `json:"shift,omitempty"`
	Driver  string `json:"driver,omitempty"`
	Vehicle string `json:"vehicle,omitempty"`
	Date    string `json:"date,omitempty"`
}

// Summary is the checklist roll-up
type Summary struct {
	ChecklistTotal int             `json:"checklistTotal"`
	ChecklistNo    int             `json:"checklistNo"`
	Occurrences    int             `json:"occurrences"`
	Pendencies     int             `json:"pendencies"`
	Notes          string          `json:"notes,omitempty"`
	Items          []ChecklistItem `json:"items,omitempty"`
}

// ChecklistItem is one answered checklist question
type ChecklistItem struct {
	Label  string `json:"label"`
	Answer string `json:"answer"`
	Note   string `json:"note,omitempty"`
}

// Occurrence is an incident recorded during the run
type Occurrence struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Severity    string `json:"severity,omitempty"`
}

// Export carries the PDF generation state
type Export struct {
	ReportID        string `json:"reportId,omitempty"`
	StatusUploadPDF string `json:"statusUploadPdf,omitempty"`
	PDFURL          string `json:"pdfUrl,omitempty"`
	PDFFilename     string `json:"pdfFilename,omitempty"`
	FileName        string `json:"fileName,omitempty"`
	GeneratedAt     string `json:"generatedAt,omitempty"`
}

// Merge overlays every non-empty field of in onto e
func (e *Export) Merge(in Export) {
	overlay := func(dst *string, src string) {
		if strings.TrimSpace(src) != "" {
			*dst = src
		}
	}
	overlay(&e.ReportID, in.ReportID)
	overlay(&e.StatusUploadPDF, in.StatusUploadPDF)
	overlay(&e.PDFURL, in.PDFURL)
	overlay(&e.PDFFilename, in.PDFFilename)
	overlay(&e.FileName, in.FileName)
	overlay(&e.GeneratedAt, in.GeneratedAt)
}

// Filename returns the attachment name for the PDF
func (e Export) Filename() string {
	switch {
	case e.PDFFilename != "":
		return e.PDFFilename
	case e.FileName != "":
		return e.FileName
	default:
		return DefaultPDFFilename
	}
}

// DefaultPDFFilename is used when the payload names no file
const DefaultPDFFilename = "relatorio.pdf"

// HasPDFMarkers reports whether the payload carries any PDF status or URL.
// Payloads without them are unrelated to PDF completion.
func (r *Report) HasPDFMarkers() bool {
	return strings.TrimSpace(r.Export.StatusUploadPDF) != "" || strings.TrimSpace(r.Export.PDFURL) != ""
}

// Clone returns a deep copy
func (r *Report) Clone() *Report {
	c := *r
	c.Occurrences = append([]Occurrence(nil), r.Occurrences...)
	c.Summary.Items = append([]ChecklistItem(nil), r.Summary.Items...)
	c.To = append([]string(nil), r.To...)
	return &c
}

// flexString decodes a JSON string, number or null into a string
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = flexString(n.String())
	return nil
}

// flexInt decodes a JSON number, numeric string or null into an int
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(s), 64)
	if err != nil {
		return fmt.Errorf("expected a number, got %q", string(s))
	}
	*f = flexInt(v)
	return nil
}

type wireReport struct {
	ReportID   flexString `json:"reportId"`
	RunID      flexString `json:"runId"`
	RouteRunID flexString `json:"routeRunId"`
	ID         flexString `json:"id"`

	Route     *wireRoute `json:"route"`
	RouteName flexString `json:"routeName"`
	Unit      flexString `json:"unit"`
	Shift     flexString `json:"shift"`

	Summary     *wireSummary `json:"summary"`
	Occurrences []Occurrence `json:"occurrences"`

	Export          *wireExport `json:"export"`
	StatusUploadPDF flexString  `json:"statusUploadPdf"`
	PDFURL          flexString  `json:"pdfUrl"`
	PDFFilename     flexString  `json:"pdfFilename"`
	GeneratedAt     flexString  `json:"generatedAt"`

	To      email.AddressList `json:"to"`
	Subject string            `json:"subject"`
	Text    string            `json:"text"`
}

type wireRoute struct {
	Name    flexString `json:"name"`
	Unit    flexString `json:"unit"`
	Shift   flexString `json:"shift"`
	Driver  flexString `json:"driver"`
	Vehicle flexString `json:"vehicle"`
	Date    flexString `json:"date"`
}

type wireSummary struct {
	ChecklistTotal flexInt         `json:"checklistTotal"`
	ChecklistNo    flexInt         `json:"checklistNo"`
	Occurrences    flexInt         `json:"occurrences"`
	Pendencies     flexInt         `json:"pendencies"`
	Notes          string          `json:"notes"`
	Items          []ChecklistItem `json:"items"`
}

type wireExport struct {
	ReportID        flexString `json:"reportId"`
	StatusUploadPDF flexString `json:"statusUploadPdf"`
	PDFURL          flexString `json:"pdfUrl"`
	PDFFilename     flexString `json:"pdfFilename"`
	FileName        flexString `json:"fileName"`
	GeneratedAt     flexString `json:"generatedAt"`
}

// Parse decodes a request body in either payload shape. Nested export
// fields take precedence over their top-level counterparts.
func Parse(data []byte) (*Report, error) {
	var w wireReport
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("invalid report payload: %w", err)
	}

	r := &Report{
		ReportID:    string(w.ReportID),
		RunID:       string(w.RunID),
		RouteRunID:  string(w.RouteRunID),
		ID:          string(w.ID),
		Occurrences: w.Occurrences,
		To:          []string(w.To),
		Subject:     strings.TrimSpace(w.Subject),
		Text:        w.Text,
	}

	if w.Route != nil {
		r.Route = Route{
			Name:    string(w.Route.Name),
			Unit:    string(w.Route.Unit),
			Shift:   string(w.Route.Shift),
			Driver:  string(w.Route.Driver),
			Vehicle: string(w.Route.Vehicle),
			Date:    string(w.Route.Date),
		}
	}
	if r.Route.Name == "" {
		r.Route.Name = string(w.RouteName)
	}
	if r.Route.Unit == "" {
		r.Route.Unit = string(w.Unit)
	}
	if r.Route.Shift == "" {
		r.Route.Shift = string(w.Shift)
	}

	if w.Summary != nil {
		r.Summary = Summary{
			ChecklistTotal: int(w.Summary.ChecklistTotal),
			ChecklistNo:    int(w.Summary.ChecklistNo),
			Occurrences:    int(w.Summary.Occurrences),
			Pendencies:     int(w.Summary.Pendencies),
			Notes:          w.Summary.Notes,
			Items:          w.Summary.Items,
		}
	}
	if r.Summary.Occurrences == 0 {
		r.Summary.Occurrences = len(r.Occurrences)
	}

	r.Export = Export{
		StatusUploadPDF: string(w.StatusUploadPDF),
		PDFURL:          string(w.PDFURL),
		PDFFilename:     string(w.PDFFilename),
		GeneratedAt:     string(w.GeneratedAt),
	}
	if w.Export != nil {
		r.Export.Merge(Export{
			ReportID:        string(w.Export.ReportID),
			StatusUploadPDF: string(w.Export.StatusUploadPDF),
			PDFURL:          string(w.Export.PDFURL),
			PDFFilename:     string(w.Export.PDFFilename),
			FileName:        string(w.Export.FileName),
			GeneratedAt:     string(w.Export.GeneratedAt),
		})
	}

	return r, nil
}
