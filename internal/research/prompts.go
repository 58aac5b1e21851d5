package research

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/fsutil"
)

//go:embed prompts/*.md.tmpl
var promptsFS embed.FS

// Template names.
const (
	PromptAnalysts        = "analysts"
	PromptQuestion        = "question"
	PromptSearch          = "search"
	PromptAnswer          = "answer"
	PromptSection         = "section"
	PromptReport          = "report"
	PromptReportStyle     = "report_style"
	PromptIntroConclusion = "intro_conclusion"
)

// PromptRenderer renders the instruction templates of both workflows.
type PromptRenderer struct {
	templates map[string]*template.Template
	mu        sync.RWMutex
}

// NewPromptRenderer loads the embedded templates, then applies overrides
// keyed by template name.
func NewPromptRenderer(overrides map[string]string) (*PromptRenderer, error) {
	r := &PromptRenderer{
		templates: make(map[string]*template.Template),
	}

	if err := r.loadTemplates(); err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}
	for name, text := range overrides {
		if err := r.Override(name, text); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadPromptOverrides reads a YAML mapping of template name to template
// text. An empty path yields no overrides.
func LoadPromptOverrides(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompts file: %w", err)
	}
	var out map[string]string
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing prompts file %s: %w", path, err)
	}
	return out, nil
}

func (r *PromptRenderer) loadTemplates() error {
	return fs.WalkDir(promptsFS, "prompts", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || !strings.HasSuffix(path, ".md.tmpl") {
			return nil
		}

		content, err := promptsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		name := strings.TrimPrefix(path, "prompts/")
		name = strings.TrimSuffix(name, ".md.tmpl")

		tmpl, err := template.New(name).Funcs(templateFuncs()).Parse(string(content))
		if err != nil {
			return fmt.Errorf("parsing template %s: %w", name, err)
		}

		r.templates[name] = tmpl
		return nil
	})
}

// Reload replaces every template with the embedded set plus overrides.
// On error the current templates stay in place.
func (r *PromptRenderer) Reload(overrides map[string]string) error {
	fresh, err := NewPromptRenderer(overrides)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.templates = fresh.templates
	r.mu.Unlock()
	return nil
}

// Override replaces a known template.
func (r *PromptRenderer) Override(name, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.templates[name]; !ok {
		return fmt.Errorf("unknown prompt template %q", name)
	}
	tmpl, err := template.New(name).Funcs(templateFuncs()).Parse(text)
	if err != nil {
		return fmt.Errorf("parsing override %s: %w", name, err)
	}
	r.templates[name] = tmpl
	return nil
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"join":      strings.Join,
		"trimSpace": strings.TrimSpace,
		"upper":     strings.ToUpper,
		"lower":     strings.ToLower,
	}
}

// AnalystsParams feeds the panel creation instruction.
type AnalystsParams struct {
	Topic       string
	MaxAnalysts int
	Feedback    string
}

// RenderAnalysts renders the panel creation instruction.
func (r *PromptRenderer) RenderAnalysts(p AnalystsParams) (string, error) {
	return r.render(PromptAnalysts, p)
}

// PersonaParams feeds the interview question and search instructions.
type PersonaParams struct {
	Persona string
}

// RenderQuestion renders the interviewer instruction.
func (r *PromptRenderer) RenderQuestion(p PersonaParams) (string, error) {
	return r.render(PromptQuestion, p)
}

// RenderSearch renders the query-writing instruction.
func (r *PromptRenderer) RenderSearch() (string, error) {
	return r.render(PromptSearch, nil)
}

// AnswerParams feeds the expert instruction.
type AnswerParams struct {
	Persona string
	Context string
}

// RenderAnswer renders the expert instruction.
func (r *PromptRenderer) RenderAnswer(p AnswerParams) (string, error) {
	return r.render(PromptAnswer, p)
}

// SectionParams feeds the section writer.
type SectionParams struct {
	Focus string
}

// RenderSection renders the section writer instruction.
func (r *PromptRenderer) RenderSection(p SectionParams) (string, error) {
	return r.render(PromptSection, p)
}

// ReportParams feeds the report writer. Template is the caller's style
// guide, inserted verbatim.
type ReportParams struct {
	Topic    string
	Context  string
	Template string
}

// RenderReport renders the report writer instruction.
func (r *PromptRenderer) RenderReport(p ReportParams) (string, error) {
	return r.render(PromptReport, p)
}

// DefaultReportTemplate returns the built-in report style guide.
func (r *PromptRenderer) DefaultReportTemplate() (string, error) {
	return r.render(PromptReportStyle, nil)
}

// IntroConclusionParams feeds the shared introduction/conclusion writer.
type IntroConclusionParams struct {
	Topic    string
	Sections string
}

// RenderIntroConclusion renders the framing instruction. The mode is
// picked by the user turn that accompanies it.
func (r *PromptRenderer) RenderIntroConclusion(p IntroConclusionParams) (string, error) {
	return r.render(PromptIntroConclusion, p)
}

// Render renders a template by name with the given data.
func (r *PromptRenderer) Render(name string, data interface{}) (string, error) {
	return r.render(name, data)
}

func (r *PromptRenderer) render(name string, data interface{}) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[name]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("template %q not found", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing template %s: %w", name, err)
	}

	return buf.String(), nil
}

// ListTemplates returns the names of all loaded templates, sorted.
func (r *PromptRenderer) ListTemplates() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// HasTemplate reports whether a template is loaded.
func (r *PromptRenderer) HasTemplate(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.templates[name]
	return ok
}
