package report

import (
	"strings"
)

// ReadyStatus is the statusUploadPdf value marking a finished upload
const ReadyStatus = "READY"

// Readiness is the PDF state of a report
type Readiness struct {
	Ready  bool
	Status string
	URL    string
}

// EvaluateReadiness reports whether the PDF is uploaded and linkable
func EvaluateReadiness(r *Report) Readiness {
	status := strings.TrimSpace(r.Export.StatusUploadPDF)
	url := strings.TrimSpace(r.Export.PDFURL)
	return Readiness{
		Ready:  strings.EqualFold(status, ReadyStatus) && url != "",
		Status: status,
		URL:    url,
	}
}

// DeriveKey returns the notification key for r. An explicit identifier wins;
// otherwise the key is built from route metadata and recipients. The PDF URL
// is never part of the key so that pending and ready updates collide.
func DeriveKey(r *Report, recipients []string) string {
	for _, id := range []string{r.ReportID, r.RunID, r.RouteRunID, r.ID, r.Export.ReportID} {
		if id = strings.TrimSpace(id); id != "" {
			return "rid:" + id
		}
	}

	return "auto:" + strings.Join([]string{
		r.Route.Name,
		r.Route.Unit,
		r.Route.Shift,
		r.Export.GeneratedAt,
		strings.Join(recipients, ","),
	}, "|")
}
