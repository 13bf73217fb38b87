package harness

import (
	_ "embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"

	"github.com/flanksource/gomplate/v3"
)

//go:embed index.html.tmpl
var documentTemplate string

// DocumentFile is the name the harness document is written under.
const DocumentFile = "index.html"

var (
	closeScript = regexp.MustCompile(`(?i)</script`)
	closeStyle  = regexp.MustCompile(`(?i)</style`)
)

// Script is the test code the document loads after the reporter is set up.
type Script struct {
	Path string
	// Module marks an unbundled ES module entry that a dev server compiles on the fly.
	Module bool
}

// Document is a rendered harness page.
type Document struct {
	HTML string
	// Assets maps the URL paths the page references to files on disk. Empty when inlined.
	Assets map[string]string
}

// WriteFile writes the document into dir and returns its path.
func (d *Document) WriteFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	p := filepath.Join(dir, DocumentFile)
	return p, os.WriteFile(p, []byte(d.HTML), 0644)
}

// Builder renders the harness document. Linked references are relative to Dir,
// the directory the document is written to.
type Builder struct {
	Reporter *Reporter
	Dir      string
	UI       string
	Title    string
	Inline   bool
}

func NewBuilder(reporter *Reporter, dir string, inline bool) *Builder {
	return &Builder{
		Reporter: reporter,
		Dir:      dir,
		UI:       "bdd",
		Title:    "Mocha Tests",
		Inline:   inline,
	}
}

func (b *Builder) Render(script Script) (*Document, error) {
	inline := b.Inline && !script.Module
	data := map[string]any{
		"title":  b.Title,
		"ui":     b.UI,
		"inline": inline,
	}
	doc := &Document{Assets: map[string]string{}}

	if inline {
		css, err := os.ReadFile(b.Reporter.Style)
		if err != nil {
			return nil, err
		}
		reporterScript, err := os.ReadFile(b.Reporter.Script)
		if err != nil {
			return nil, err
		}
		bundleScript, err := os.ReadFile(script.Path)
		if err != nil {
			return nil, err
		}
		data["css"] = closeStyle.ReplaceAllString(string(css), `<\/style`)
		data["reporterScript"] = closeScript.ReplaceAllString(string(reporterScript), `<\/script`)
		data["bundleScript"] = closeScript.ReplaceAllString(string(bundleScript), `<\/script`)
	} else {
		for key, file := range map[string]string{
			"cssHref":      b.Reporter.Style,
			"reporterHref": b.Reporter.Script,
			"bundleHref":   script.Path,
		} {
			if _, err := os.Stat(file); err != nil {
				return nil, err
			}
			href, err := b.href(file)
			if err != nil {
				return nil, err
			}
			data[key] = href
			doc.Assets[path.Clean("/"+href)] = file
		}
		data["bundleType"] = "text/javascript"
		if script.Module {
			data["bundleType"] = "module"
		}
	}

	html, err := gomplate.RunTemplate(data, gomplate.Template{Template: documentTemplate})
	if err != nil {
		return nil, fmt.Errorf("failed to render harness document: %w", err)
	}
	doc.HTML = html
	return doc, nil
}

func (b *Builder) href(file string) (string, error) {
	rel, err := filepath.Rel(b.Dir, file)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
