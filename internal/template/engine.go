package template

import (
	"bytes"
	"fmt"
	htmlTemplate "html/template"
	"strconv"
	textTemplate "text/template"

	"github.com/foxzi/mailsage/internal/models"
)

// Engine renders {{name}} templates with per-recipient variables.
// Values are escaped for their HTML context; subjects are plain text.
type Engine struct{}

// NewEngine creates a new template engine
func NewEngine() *Engine {
	return &Engine{}
}

// Render renders the template subject and HTML with vars.
// Missing variables render as empty strings; call ValidateVariables first to reject them.
func (e *Engine) Render(tpl *models.Template, vars map[string]string) (*RenderResult, error) {
	result := &RenderResult{}

	subject, err := e.RenderText(tpl.Subject, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to render subject: %w", err)
	}
	result.Subject = subject

	if tpl.HTML != "" {
		html, err := e.RenderHTML(tpl.HTML, vars)
		if err != nil {
			return nil, fmt.Errorf("failed to render html: %w", err)
		}
		result.HTML = html
	}

	return result, nil
}

// Validate checks that the subject and HTML parse
func (e *Engine) Validate(tpl *models.Template) error {
	if tpl.Subject != "" {
		if _, err := textTemplate.New("subject").Parse(compile(tpl.Subject)); err != nil {
			return fmt.Errorf("invalid subject template: %w", err)
		}
	}

	if tpl.HTML != "" {
		if _, err := htmlTemplate.New("html").Parse(compile(tpl.HTML)); err != nil {
			return fmt.Errorf("invalid html template: %w", err)
		}
	}

	return nil
}

// RenderText substitutes vars into s without escaping
func (e *Engine) RenderText(s string, vars map[string]string) (string, error) {
	t, err := textTemplate.New("text").Parse(compile(s))
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data(vars)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderHTML substitutes vars into s, escaping each value for where it appears
func (e *Engine) RenderHTML(s string, vars map[string]string) (string, error) {
	t, err := htmlTemplate.New("html").Parse(compile(s))
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data(vars)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// compile rewrites {{name}} placeholders into map lookups
func compile(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := varPattern.FindStringSubmatch(m)[1]
		return "{{index . " + strconv.Quote(name) + "}}"
	})
}

func data(vars map[string]string) map[string]string {
	if vars == nil {
		return map[string]string{}
	}
	return vars
}
