package email

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"sync"
	texttemplate "text/template"
)

// DefaultTemplate is the lookup key used when no slug or type matches.
const DefaultTemplate = "default"

// Template is the source of one named email template. Fields use Go template
// syntax against the action data, e.g. {{.ticket.subject}}.
type Template struct {
	Subject string `yaml:"subject" json:"subject"`
	HTML    string `yaml:"html" json:"html"`
	Text    string `yaml:"text,omitempty" json:"text,omitempty"`
}

// Rendered is a template executed against data.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

var builtinDefault = Template{
	Subject: `{{with .ticket}}[Ticket #{{.uid}}] {{.subject}}{{else}}Helpdesk notification{{end}}`,
	HTML: `{{with .ticket}}<p>Ticket <strong>#{{.uid}}</strong>: {{.subject}}</p>{{end}}` +
		`{{with .comment}}<blockquote>{{.comment}}</blockquote>{{end}}` +
		`{{with .ticketUrl}}<p><a href="{{.}}">View ticket</a></p>{{end}}`,
	Text: `{{with .ticket}}Ticket #{{.uid}}: {{.subject}}{{end}}{{with .ticketUrl}}
{{.}}{{end}}`,
}

type compiled struct {
	subject *texttemplate.Template
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

var funcs = map[string]interface{}{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"default": func(def, v interface{}) interface{} {
		if v == nil || v == "" {
			return def
		}
		return v
	},
}

// Renderer holds the compiled template set. Replace swaps it atomically so
// config reloads never expose a half-built set.
type Renderer struct {
	mu        sync.RWMutex
	templates map[string]*compiled
}

// NewRenderer compiles templates. A "default" entry overrides the built-in one.
func NewRenderer(templates map[string]Template) (*Renderer, error) {
	r := &Renderer{}
	if err := r.Replace(templates); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace compiles a new template set and swaps it in. On error the current
// set is kept.
func (r *Renderer) Replace(templates map[string]Template) error {
	set := make(map[string]*compiled, len(templates)+1)
	def, err := compile(DefaultTemplate, builtinDefault)
	if err != nil {
		return err
	}
	set[DefaultTemplate] = def
	for name, t := range templates {
		c, err := compile(name, t)
		if err != nil {
			return err
		}
		set[name] = c
	}
	r.mu.Lock()
	r.templates = set
	r.mu.Unlock()
	return nil
}

func compile(name string, t Template) (*compiled, error) {
	if strings.TrimSpace(t.HTML) == "" && strings.TrimSpace(t.Text) == "" {
		return nil, fmt.Errorf("template %q: html or text body is required", name)
	}
	c := &compiled{}
	var err error
	if c.subject, err = texttemplate.New(name + ".subject").Funcs(funcs).Parse(t.Subject); err != nil {
		return nil, fmt.Errorf("template %q subject: %w", name, err)
	}
	if t.HTML != "" {
		if c.html, err = htmltemplate.New(name + ".html").Funcs(funcs).Parse(t.HTML); err != nil {
			return nil, fmt.Errorf("template %q html: %w", name, err)
		}
	}
	if t.Text != "" {
		if c.text, err = texttemplate.New(name + ".text").Funcs(funcs).Parse(t.Text); err != nil {
			return nil, fmt.Errorf("template %q text: %w", name, err)
		}
	}
	return c, nil
}

// Has reports whether a template with the given key is loaded.
func (r *Renderer) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.templates[key]
	return ok
}

// Render executes the first template found among keys, falling back to the
// default template.
func (r *Renderer) Render(data map[string]interface{}, keys ...string) (*Rendered, error) {
	r.mu.RLock()
	var c *compiled
	name := DefaultTemplate
	for _, k := range keys {
		if k == "" {
			continue
		}
		if found, ok := r.templates[k]; ok {
			c, name = found, k
			break
		}
	}
	if c == nil {
		c = r.templates[DefaultTemplate]
	}
	r.mu.RUnlock()

	out := &Rendered{}
	var buf bytes.Buffer
	if err := c.subject.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s subject: %w", name, err)
	}
	out.Subject = clean(buf.String())
	if c.html != nil {
		buf.Reset()
		if err := c.html.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render %s html: %w", name, err)
		}
		out.HTML = buf.String()
	}
	if c.text != nil {
		buf.Reset()
		if err := c.text.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render %s text: %w", name, err)
		}
		out.Text = clean(buf.String())
	}
	if out.HTML == "" {
		out.HTML = "<pre>" + htmltemplate.HTMLEscapeString(out.Text) + "</pre>"
	}
	return out, nil
}

// clean drops the placeholder text/template prints for missing map keys.
func clean(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "<no value>", ""))
}
