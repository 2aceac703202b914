package notify

import (
	"bytes"
	"errors"
	"html/template"
	texttemplate "text/template"
	"time"
)

// DefaultSubject is the default email subject template
const DefaultSubject = `[WaterWatch] {{.Severity}} {{.Parameter}} alert on {{.DeviceID}}`

// DefaultTemplate is the default HTML email body
const DefaultTemplate = `<html><body>
<h2>{{.Severity}} water-quality alert</h2>
<table>
<tr><td>Device</td><td>{{.DeviceID}}</td></tr>
<tr><td>Parameter</td><td>{{.Parameter}}</td></tr>
<tr><td>Current value</td><td>{{printf "%.2f" .Value}}</td></tr>
<tr><td>Threshold</td><td>{{printf "%.2f" .Threshold}}</td></tr>
<tr><td>Raised at</td><td>{{.RaisedAt}}</td></tr>
<tr><td>Alert ID</td><td>{{.AlertID}}</td></tr>
</table>
</body></html>`

type templateData struct {
	Payload
	RaisedAt string
}

// Template renders email subjects and bodies
type Template struct {
	subject *texttemplate.Template
	body    *template.Template
}

// NewTemplate parses subject and body, falling back to DefaultTemplate and DefaultSubject.
func NewTemplate(subject, body string) (*Template, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if body == "" {
		body = DefaultTemplate
	}
	s, err := texttemplate.New("subject").Parse(subject)
	if err != nil {
		return nil, err
	}
	b, err := template.New("body").Parse(body)
	if err != nil {
		return nil, err
	}
	return &Template{subject: s, body: b}, nil
}

// Render returns the subject and HTML body for payload
func (t *Template) Render(payload Payload) (string, string, error) {
	if t == nil || t.body == nil {
		return "", "", errors.New("notification template: nil")
	}
	data := templateData{Payload: payload}
	if !payload.CreatedAt.IsZero() {
		data.RaisedAt = payload.CreatedAt.UTC().Format(time.RFC3339)
	}

	var subject, body bytes.Buffer
	if err := t.subject.Execute(&subject, data); err != nil {
		return "", "", err
	}
	if err := t.body.Execute(&body, data); err != nil {
		return "", "", err
	}
	return subject.String(), body.String(), nil
}
