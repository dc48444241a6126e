package templates

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// sprigDenied are the sprig helpers removed from every renderer: the
// environment pair is re-added behind the sandbox allow list, and the
// filesystem helpers would read paths without going through Sandbox.Resolve.
var sprigDenied = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
}

// Renderer compiles the bodies the gate sends on its own behalf, such as a
// route's configured 412 payload. Inline sources come straight from route
// configuration; file sources resolve through the sandbox so a route
// definition cannot point the gate at arbitrary files.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Template is a compiled body ready to execute against a pipeline snapshot.
// Safe for concurrent use; routes share one compiled instance across requests.
type Template struct {
	name     string
	renderer *Renderer
	tmpl     *template.Template
}

// NewRenderer builds a renderer over the given sandbox. A nil sandbox still
// supports inline bodies; environment helpers then expand to empty strings
// and file-backed bodies are rejected at compile time.
func NewRenderer(sandbox *Sandbox) *Renderer {
	r := &Renderer{sandbox: sandbox}
	r.funcs = sandboxedFuncs(r)
	return r
}

// sandboxedFuncs assembles the sprig function map with the denied helpers
// replaced by sandbox-gated equivalents.
func sandboxedFuncs(r *Renderer) template.FuncMap {
	funcs := sprig.TxtFuncMap()
	for _, name := range sprigDenied {
		delete(funcs, name)
	}
	funcs["env"] = func(key string) string {
		if r == nil || r.sandbox == nil {
			return ""
		}
		return r.sandbox.Environment()[key]
	}
	funcs["expandenv"] = func(input string) string {
		if r == nil || r.sandbox == nil {
			return os.Expand(input, func(string) string { return "" })
		}
		env := r.sandbox.Environment()
		return os.Expand(input, func(key string) string { return env[key] })
	}
	return funcs
}

// Sandbox exposes the renderer's sandbox for observability and testing.
func (r *Renderer) Sandbox() *Sandbox { return r.sandbox }

// CompileInline parses an inline body from route configuration. A blank
// source returns a nil template without error, so optional body fields cost
// nothing when unset.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, renderer: r, tmpl: tmpl}, nil
}

// CompileFile parses a body file named by route configuration. The path,
// relative or absolute, must resolve inside the sandbox root.
func (r *Renderer) CompileFile(path string) (*Template, error) {
	if r == nil || r.sandbox == nil {
		return nil, errors.New("templates: file templates require a sandbox")
	}
	resolved, err := r.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", path, err)
	}
	return r.CompileInline(filepath.Base(resolved), string(contents))
}

// Render executes the template against the supplied data, typically the
// pipeline state's template context. The caller decides whether a render
// failure degrades the response or only gets logged.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

// Name returns the logical template name for log attribution.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
