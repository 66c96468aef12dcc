// Package caption composes post captions and hashtags from stories.
package caption

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"unicode"

	"postflow/internal/story"
)

const DefaultTemplate = `{{.Title}}{{if .Summary}}

{{.Summary}}{{end}}`

// Composer renders a caption template against a story and derives hashtags
// from the story's category and tags plus a fixed default set.
type Composer struct {
	tmpl     *template.Template
	defaults []string
	maxTags  int
}

// New parses tmpl (DefaultTemplate when empty).
func New(tmpl string, defaultTags []string, maxTags int) (*Composer, error) {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultTemplate
	}
	t, err := template.New("caption").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse caption template: %w", err)
	}
	if maxTags <= 0 {
		maxTags = 10
	}
	return &Composer{tmpl: t, defaults: append([]string(nil), defaultTags...), maxTags: maxTags}, nil
}

// Compose returns the caption and the hashtags for st.
func (c *Composer) Compose(st story.Story) (string, []string, error) {
	var buf bytes.Buffer
	if err := c.tmpl.Execute(&buf, st); err != nil {
		return "", nil, fmt.Errorf("render caption for story %s: %w", st.ID, err)
	}
	return strings.TrimSpace(buf.String()), c.hashtags(st), nil
}

func (c *Composer) hashtags(st story.Story) []string {
	var out []string
	seen := map[string]struct{}{}
	add := func(s string) {
		tag := toTag(s)
		if tag == "" || len(out) >= c.maxTags {
			return
		}
		key := strings.ToLower(tag)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, tag)
	}
	add(st.Category)
	for _, t := range st.Tags {
		add(t)
	}
	for _, t := range c.defaults {
		add(t)
	}
	return out
}

// toTag keeps letters, digits and underscores: "true crime" -> "#truecrime".
func toTag(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "#" + b.String()
}
