package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/grader/internal/model"
)

//go:embed templates/*.txt
var embedded embed.FS

// MaxDocumentRunes bounds the document text injected into a prompt.
const MaxDocumentRunes = 50000

var (
	documentTagRegex = regexp.MustCompile(`(?i)</?\s*document\b[^>]*>`)
	systemTagRegex   = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

var kinds = []model.DocumentKind{model.KindSpreadsheet, model.KindDocument}

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[model.DocumentKind]*template.Template
)

// Data holds template data for extraction prompts.
type Data struct {
	Text string
}

// Load parses the extraction templates from fsys. It uses sync.Once, so
// only the first call has an effect. Build loads the embedded templates
// when Load was never called.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		parsed := make(map[model.DocumentKind]*template.Template, len(kinds))
		for _, kind := range kinds {
			name := "templates/extract_" + string(kind) + ".txt"
			content, err := fs.ReadFile(fsys, name)
			if err != nil {
				loadErr = errors.New("failed to read prompt file " + name + ": " + err.Error())
				return
			}
			tmpl, err := template.New(string(kind)).Parse(string(content))
			if err != nil {
				loadErr = errors.New("failed to parse prompt template " + name + ": " + err.Error())
				return
			}
			parsed[kind] = tmpl
		}
		templates = parsed
	})
	return loadErr
}

// Build renders the extraction prompt for doc. Unknown kinds use the
// word-processor prompt.
func Build(doc model.Document) (string, error) {
	if err := Load(embedded); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	tmpl, ok := templates[doc.Kind]
	if !ok {
		tmpl = templates[model.KindDocument]
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, Data{Text: Sanitize(doc.Text)}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Sanitize strips tags that could close the document block early and
// truncates overly long text.
func Sanitize(text string) string {
	text = documentTagRegex.ReplaceAllString(text, "")
	text = systemTagRegex.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	if text == "" {
		return "[Empty document]"
	}

	if utf8.RuneCountInString(text) > MaxDocumentRunes {
		runes := []rune(text)
		text = string(runes[:MaxDocumentRunes]) + "\n\n[Document truncated due to length]"
	}
	return text
}
