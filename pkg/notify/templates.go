package notify

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/docsupply/platform/pkg/common/models"
	"gopkg.in/yaml.v3"
)

const (
	TemplateStatusChanged = "status_changed"
	TemplateSolicitation  = "solicitation"
)

type templateSpec struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

type templateFile struct {
	Templates map[string]templateSpec `yaml:"templates"`
}

type compiled struct {
	subject *template.Template
	body    *template.Template
}

// Templates renders notification messages from named subject/body pairs.
type Templates struct {
	byName map[string]compiled
}

const defaultTemplates = `
templates:
  status_changed:
    subject: 'Your document request "{{ .Request.Metadata.Title }}" is now {{ .Request.Status }}'
    body: |
      Hello,

      The status of your request for "{{ .Request.Metadata.Title }}" by {{ .Request.Metadata.Authors }} changed to {{ .Request.Status }}.
      {{- if .Request.RejectReason }}
      Reason: {{ .Request.RejectReason }}
      {{- end }}
      {{- if .Request.AttachmentRef }}
      The document is ready for download from your request list.
      {{- end }}

      Reference: {{ .Request.ID }}
  solicitation:
    subject: 'Document supply request: {{ .Request.Metadata.Title }}'
    body: |
      Dear {{ .Library.Name }},

      We would like to ask whether you can supply the following document:

      Title: {{ .Request.Metadata.Title }}
      Authors: {{ .Request.Metadata.Authors }}
      Publication: {{ .Request.Metadata.PublicationName }} ({{ .Request.Metadata.PublicationYear }})
      {{- with .Request.Metadata.Volume }}
      Volume: {{ . }}
      {{- end }}
      {{- with .Request.Metadata.Issue }}
      Issue: {{ . }}
      {{- end }}
      {{- with .Request.Metadata.Pages }}
      Pages: {{ . }}
      {{- end }}
      {{- with .Request.Metadata.Publisher }}
      Publisher: {{ . }}
      {{- end }}
      {{- with .Request.Metadata.SourceURL }}
      Source: {{ . }}
      {{- end }}

      Reference: {{ .Request.ID }}
`

func DefaultTemplates() *Templates {
	t, err := ParseTemplates([]byte(defaultTemplates))
	if err != nil {
		panic(fmt.Sprintf("notify: default templates: %v", err))
	}
	return t
}

// LoadTemplates reads a YAML template file. An empty path yields the built-in
// set; names missing from the file fall back to the built-in ones.
func LoadTemplates(path string) (*Templates, error) {
	if path == "" {
		return DefaultTemplates(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading notification templates: %w", err)
	}
	loaded, err := ParseTemplates(content)
	if err != nil {
		return nil, err
	}
	for name, c := range DefaultTemplates().byName {
		if _, ok := loaded.byName[name]; !ok {
			loaded.byName[name] = c
		}
	}
	return loaded, nil
}

func ParseTemplates(content []byte) (*Templates, error) {
	var file templateFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parsing notification templates: %w", err)
	}
	out := &Templates{byName: make(map[string]compiled, len(file.Templates))}
	for name, tpl := range file.Templates {
		subject, err := template.New(name + ".subject").Option("missingkey=error").Parse(tpl.Subject)
		if err != nil {
			return nil, fmt.Errorf("template %s subject: %w", name, err)
		}
		body, err := template.New(name + ".body").Option("missingkey=error").Parse(tpl.Body)
		if err != nil {
			return nil, fmt.Errorf("template %s body: %w", name, err)
		}
		out.byName[name] = compiled{subject: subject, body: body}
	}
	return out, nil
}

func (t *Templates) Render(name, to string, data interface{}) (Message, error) {
	c, ok := t.byName[name]
	if !ok {
		return Message{}, fmt.Errorf("unknown notification template %q", name)
	}
	var subject, body bytes.Buffer
	if err := c.subject.Execute(&subject, data); err != nil {
		return Message{}, fmt.Errorf("rendering %s subject: %w", name, err)
	}
	if err := c.body.Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("rendering %s body: %w", name, err)
	}
	return Message{
		To:      to,
		Subject: strings.TrimSpace(subject.String()),
		Body:    body.String(),
	}, nil
}

// StatusChanged builds the requester notification for a transition.
func (t *Templates) StatusChanged(req models.DocumentRequest) (Message, error) {
	return t.Render(TemplateStatusChanged, req.RequesterEmail, map[string]interface{}{
		"Request": req,
	})
}

// Solicitation builds the message asking lib to source req.
func (t *Templates) Solicitation(lib models.Library, req models.DocumentRequest) (Message, error) {
	return t.Render(TemplateSolicitation, lib.ContactEmail, map[string]interface{}{
		"Request": req,
		"Library": lib,
	})
}
