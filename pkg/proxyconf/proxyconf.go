package proxyconf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// State is the full desired reverse-proxy configuration: one upstream block
// per workspace cluster and one rule per published route.
type State struct {
	Upstreams []Upstream
	Rules     []Rule
}

// Upstream lists the node addresses serving one workspace.
type Upstream struct {
	Workspace string
	Servers   []string
}

// Rule publishes one route. Splits, when present, carry the canary traffic
// shares; weights across one rule's splits sum to 100.
type Rule struct {
	Workspace   string
	Domain      string
	Subdomain   string
	VirtualPort int
	TCP         bool
	Splits      []Split
}

// Split is one version's traffic share in percent.
type Split struct {
	Version string
	Weight  int
}

// Host returns the fully qualified hostname the rule serves.
func (r Rule) Host() string {
	if r.Subdomain == "" {
		return r.Domain
	}
	return r.Subdomain + "." + r.Domain
}

const configTemplate = `# managed by helmsman - do not edit
{{range .Upstreams -}}
upstream ws-{{.Workspace}} {
{{- range .Servers}}
    server {{.}};
{{- end}}
}
{{end -}}
{{range .Rules -}}
{{if .TCP -}}
stream ws-{{.Workspace}} port {{.VirtualPort}} {
    proxy_pass ws-{{.Workspace}};
}
{{else -}}
server {
    server_name {{.Host}};
    listen {{.VirtualPort}};
{{- range .Splits}}
    # split {{.Version}} weight={{.Weight}}
{{- end}}
    proxy_pass http://ws-{{.Workspace}};
}
{{end -}}
{{end -}}
`

var tmpl = template.Must(template.New("proxy").Parse(configTemplate))

// FileGenerator renders State into a managed config file. Apply returns the
// file's previous content so callers can Restore after a downstream
// failure. All access must go through a Guard; the generator itself does no
// locking.
type FileGenerator struct {
	path string
}

// NewFileGenerator manages the config file at path.
func NewFileGenerator(path string) *FileGenerator {
	return &FileGenerator{path: path}
}

// Apply renders state and replaces the managed file, returning the previous
// content as the restoration backup. A missing file backs up to the empty
// string.
func (g *FileGenerator) Apply(ctx context.Context, state State) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	previous, err := os.ReadFile(g.path)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("read current config: %w", err)
	}

	var rendered strings.Builder
	if err := tmpl.Execute(&rendered, state); err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}

	if err := g.write(rendered.String()); err != nil {
		return "", err
	}
	return string(previous), nil
}

// Restore replaces the managed file with a backup string previously
// returned by Apply.
func (g *FileGenerator) Restore(ctx context.Context, backup string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.write(backup)
}

// write replaces the managed file atomically via rename so the proxy never
// reads a half-written config.
func (g *FileGenerator) write(content string) error {
	dir := filepath.Dir(g.path)
	tmp, err := os.CreateTemp(dir, ".proxyconf-*")
	if err != nil {
		return fmt.Errorf("stage config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("stage config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stage config: %w", err)
	}
	if err := os.Rename(tmp.Name(), g.path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
