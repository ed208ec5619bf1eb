// Package promptmodule resolves the PromptModule descriptors named in
// the data model: small, named blocks of system-prompt text an agent
// can be configured with (e.g. "web-recon", "sqli-focus"), stored one
// per file under a prompts/ directory with YAML frontmatter, mirroring
// how the teacher's skills package loads SKILL.md files.
package promptmodule

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxModulesPerScan bounds how many prompt modules one scan config may
// select, per the component design's "at most 5 modules" constraint.
const maxModulesPerScan = 5

// Module is one loaded prompt module.
type Module struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	Template string `yaml:"-"`
	Path     string `yaml:"-"`
}

// Load reads one module from dir/<name>.md.
func Load(dir, name string) (*Module, error) {
	path := filepath.Join(dir, name+".md")
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt module %q: %w", name, err)
	}

	mod, err := Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt module %q: %w", name, err)
	}
	mod.Path = path

	if mod.Name == "" {
		mod.Name = name
	}
	return mod, nil
}

// Parse parses one module's YAML-frontmatter-plus-template content.
func Parse(content string) (*Module, error) {
	frontmatter, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}

	mod := &Module{}
	if frontmatter != "" {
		if err := yaml.Unmarshal([]byte(frontmatter), mod); err != nil {
			return nil, fmt.Errorf("invalid frontmatter: %w", err)
		}
	}
	mod.Template = strings.TrimSpace(body)
	return mod, nil
}

func splitFrontmatter(content string) (frontmatter, body string, err error) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", content, nil
	}

	var fmLines []string
	bodyStart := len(lines)
	closed := false
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			bodyStart = i + 1
			closed = true
			break
		}
		fmLines = append(fmLines, lines[i])
	}
	if !closed {
		return "", "", fmt.Errorf("unclosed frontmatter")
	}

	frontmatter = strings.Join(fmLines, "\n")
	if bodyStart < len(lines) {
		body = strings.Join(lines[bodyStart:], "\n")
	}
	return frontmatter, body, nil
}

// Resolver loads and caches modules from one directory for the
// lifetime of a scan.
type Resolver struct {
	dir     string
	loaded  map[string]*Module
}

// NewResolver builds a Resolver rooted at dir (the installation's
// prompts/ directory).
func NewResolver(dir string) *Resolver {
	return &Resolver{dir: dir, loaded: make(map[string]*Module)}
}

// Resolve loads the modules named by names, in order, erroring if more
// than maxModulesPerScan are requested or if any name fails to load.
func (r *Resolver) Resolve(names []string) ([]*Module, error) {
	if len(names) > maxModulesPerScan {
		return nil, fmt.Errorf("at most %d prompt modules may be selected, got %d", maxModulesPerScan, len(names))
	}

	out := make([]*Module, 0, len(names))
	for _, name := range names {
		if mod, ok := r.loaded[name]; ok {
			out = append(out, mod)
			continue
		}
		mod, err := Load(r.dir, name)
		if err != nil {
			return nil, err
		}
		r.loaded[name] = mod
		out = append(out, mod)
	}
	return out, nil
}

// Render concatenates the resolved modules' templates into one
// system-prompt suffix, in the order given.
func Render(modules []*Module) string {
	var sb strings.Builder
	for i, m := range modules {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(m.Template)
	}
	return sb.String()
}
