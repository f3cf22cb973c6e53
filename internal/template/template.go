package template

// Template is a set of subject/HTML/text sources rendered together
type Template struct {
	Name    string `json:"name"`
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

// RenderResult contains rendered template output
type RenderResult struct {
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Branding holds the visual identity applied to report mail
type Branding struct {
	PrimaryColor   string `json:"primaryColor"`
	SecondaryColor string `json:"secondaryColor"`
	LogoURL        string `json:"logoUrl,omitempty"`
	FromName       string `json:"fromName,omitempty"`
}

// ReportView is the data passed to report templates
type ReportView struct {
	Brand Branding

	RouteName string
	Unit      string
	Shift     string
	Driver    string
	Vehicle   string
	Date      string

	ChecklistTotal int
	ChecklistNo    int
	Occurrences    int
	Pendencies     int
	Notes          string
	Items          []ItemView
	OccurrenceList []OccurrenceView

	PDFURL      string
	PDFFilename string
	GeneratedAt string
	PDFAttached bool

	// Text replaces the generated plain-text summary when set
	Text string
}

// ItemView is one checklist line
type ItemView struct {
	Label   string
	Answer  string
	Note    string
	Flagged bool
}

// OccurrenceView is one reported occurrence
type OccurrenceView struct {
	Title       string
	Description string
	Severity    string
}

// DefaultBranding is used when no colors are configured
var DefaultBranding = Branding{
	PrimaryColor:   "#0B5394",
	SecondaryColor: "#F1C232",
	FromName:       "Relatórios",
}

// Report is the built-in report notification template
var Report = Template{
	Name:    "report",
	Subject: reportSubject,
	HTML:    reportHTML,
	Text:    reportText,
}

const reportSubject = `Relatório da rota{{with .RouteName}} {{.}}{{end}} – Unidade {{default "-" .Unit}} – Turno {{default "-" .Shift}}`

const reportText = `{{if .Text}}{{.Text}}{{else}}Relatório da rota{{with .RouteName}} {{.}}{{end}}
Unidade: {{default "-" .Unit}}
Turno: {{default "-" .Shift}}
{{- with .Date}}
Data: {{.}}{{end}}
{{- with .Driver}}
Motorista: {{.}}{{end}}
{{- with .Vehicle}}
Veículo: {{.}}{{end}}

Checklist: {{.ChecklistTotal}} itens, {{.ChecklistNo}} com resposta NÃO
Ocorrências: {{.Occurrences}}
Pendências: {{.Pendencies}}
{{- range .Items}}{{if .Flagged}}
 - {{.Label}}: {{.Answer}}{{with .Note}} ({{.}}){{end}}{{end}}{{end}}
{{- range .OccurrenceList}}
 * {{.Title}}{{with .Severity}} [{{upper .}}]{{end}}{{with .Description}}: {{.}}{{end}}{{end}}
{{- with .Notes}}

Observações: {{.}}{{end}}{{end}}
{{if .PDFURL}}
PDF: {{.PDFURL}}{{if .PDFAttached}} (anexado){{end}}
{{- end}}
`

const reportHTML = `<!DOCTYPE html>
<html>
<body style="margin:0;padding:0;font-family:Arial,Helvetica,sans-serif;background:#f4f4f4;">
<table width="100%" cellpadding="0" cellspacing="0" style="max-width:640px;margin:0 auto;background:#ffffff;">
<tr><td style="background:{{.Brand.PrimaryColor}};padding:16px 24px;color:#ffffff;">
{{- if .Brand.LogoURL}}<img src="{{.Brand.LogoURL}}" alt="{{.Brand.FromName}}" style="max-height:40px;display:block;margin-bottom:8px;">{{end}}
<h1 style="margin:0;font-size:20px;">Relatório da rota{{with .RouteName}} {{.}}{{end}}</h1>
<p style="margin:4px 0 0;">Unidade {{default "-" .Unit}} · Turno {{default "-" .Shift}}{{with .Date}} · {{.}}{{end}}</p>
</td></tr>
<tr><td style="padding:16px 24px;border-bottom:4px solid {{.Brand.SecondaryColor}};">
{{- if .Text}}<p style="white-space:pre-line;">{{.Text}}</p>{{end}}
<table cellpadding="6" cellspacing="0" style="border-collapse:collapse;width:100%;">
<tr><td>Checklist</td><td><strong>{{.ChecklistTotal}}</strong> itens</td></tr>
<tr><td>Respostas NÃO</td><td><strong>{{.ChecklistNo}}</strong></td></tr>
<tr><td>Ocorrências</td><td><strong>{{.Occurrences}}</strong></td></tr>
<tr><td>Pendências</td><td><strong>{{.Pendencies}}</strong></td></tr>
{{- with .Driver}}<tr><td>Motorista</td><td>{{.}}</td></tr>{{end}}
{{- with .Vehicle}}<tr><td>Veículo</td><td>{{.}}</td></tr>{{end}}
</table>
{{- if .Items}}
<h2 style="font-size:16px;color:{{.Brand.PrimaryColor}};">Itens com atenção</h2>
<ul>
{{- range .Items}}{{if .Flagged}}<li>{{.Label}}: <strong>{{.Answer}}</strong>{{with .Note}} ({{.}}){{end}}</li>{{end}}{{end}}
</ul>
{{- end}}
{{- if .OccurrenceList}}
<h2 style="font-size:16px;color:{{.Brand.PrimaryColor}};">Ocorrências</h2>
<ul>
{{- range .OccurrenceList}}<li><strong>{{.Title}}</strong>{{with .Severity}} [{{upper .}}]{{end}}{{with .Description}}: {{.}}{{end}}</li>{{end}}
</ul>
{{- end}}
{{- with .Notes}}<p><em>{{.}}</em></p>{{end}}
{{- if .PDFURL}}
<p style="margin-top:24px;"><a href="{{.PDFURL}}" style="background:{{.Brand.PrimaryColor}};color:#ffffff;padding:10px 18px;text-decoration:none;border-radius:4px;">Abrir PDF</a>{{if .PDFAttached}} <span style="color:#666;">(anexado)</span>{{end}}</p>
{{- end}}
</td></tr>
</table>
</body>
</html>
`
