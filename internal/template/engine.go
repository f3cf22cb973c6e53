// Package template renders notification subjects and bodies.
package template

import (
	"bytes"
	"fmt"
	htmlTemplate "html/template"
	"strings"
	textTemplate "text/template"
)

// funcs are available to every template
var funcs = map[string]any{
	"default": func(def, v string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return v
	},
	"upper": strings.ToUpper,
}

// Engine renders templates with data
type Engine struct{}

// NewEngine creates a new template engine
func NewEngine() *Engine {
	return &Engine{}
}

// Render renders a template with provided data
func (e *Engine) Render(tmpl *Template, data any) (*RenderResult, error) {
	result := &RenderResult{}

	subject, err := e.renderText("subject", tmpl.Subject, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render subject: %w", err)
	}
	// Subjects are single-line
	result.Subject = strings.Join(strings.Fields(subject), " ")

	if tmpl.HTML != "" {
		html, err := e.renderHTML("html", tmpl.HTML, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render html: %w", err)
		}
		result.HTML = html
	}

	if tmpl.Text != "" {
		text, err := e.renderText("text", tmpl.Text, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render text: %w", err)
		}
		result.Text = strings.TrimSpace(text) + "\n"
	}

	return result, nil
}

// Validate checks if template syntax is valid
func (e *Engine) Validate(tmpl *Template) error {
	if tmpl.Subject != "" {
		if _, err := textTemplate.New("subject").Funcs(funcs).Parse(tmpl.Subject); err != nil {
			return fmt.Errorf("invalid subject template: %w", err)
		}
	}
	if tmpl.HTML != "" {
		if _, err := htmlTemplate.New("html").Funcs(funcs).Parse(tmpl.HTML); err != nil {
			return fmt.Errorf("invalid html template: %w", err)
		}
	}
	if tmpl.Text != "" {
		if _, err := textTemplate.New("text").Funcs(funcs).Parse(tmpl.Text); err != nil {
			return fmt.Errorf("invalid text template: %w", err)
		}
	}
	return nil
}

func (e *Engine) renderText(name, src string, data any) (string, error) {
	t, err := textTemplate.New(name).Funcs(funcs).Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (e *Engine) renderHTML(name, src string, data any) (string, error) {
	t, err := htmlTemplate.New(name).Funcs(funcs).Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
