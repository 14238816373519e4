// Package template generates starter service records for common kinds of
// long-running programs.
package template

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/loykin/svcd/internal/config"
)

// Kind selects the shape of the generated record.
type Kind string

const (
	KindWeb      Kind = "web"
	KindAPI      Kind = "api"
	KindWorker   Kind = "worker"
	KindDatabase Kind = "database"
	KindSimple   Kind = "simple"
)

var aliases = map[string]Kind{
	"webapp":     KindWeb,
	"service":    KindAPI,
	"background": KindWorker,
	"db":         KindDatabase,
	"basic":      KindSimple,
}

// Template is a service record in its on-disk form.
type Template struct {
	Cmd       string            `json:"cmd"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	IsEnabled bool              `json:"is_enabled"`
}

// Record converts t into the record called name.
func (t *Template) Record(name string) config.Record {
	return config.Record{Name: name, Command: t.Cmd, Dir: t.Cwd, Env: t.Env, Enabled: t.IsEnabled}
}

// ParseKind resolves a kind or one of its aliases.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	switch k {
	case KindWeb, KindAPI, KindWorker, KindDatabase, KindSimple:
		return k, nil
	}
	if a, ok := aliases[s]; ok {
		return a, nil
	}
	return "", fmt.Errorf("unknown template type: %s (supported: web, api, worker, database, simple)", s)
}

// Kinds lists the canonical kinds.
func Kinds() []string {
	return []string{string(KindWeb), string(KindAPI), string(KindWorker), string(KindDatabase), string(KindSimple)}
}

// Aliases lists the accepted alternative names, sorted.
func Aliases() []string {
	out := make([]string, 0, len(aliases))
	for a := range aliases {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Generate returns the template for kind. The name is substituted into
// commands and paths where the kind uses it.
func Generate(kind string, name string) (*Template, error) {
	if err := config.ValidName(name); err != nil {
		return nil, err
	}
	k, err := ParseKind(kind)
	if err != nil {
		return nil, err
	}
	switch k {
	case KindWeb:
		return &Template{
			Cmd:       "python3 -m http.server 8000",
			Cwd:       "/srv/" + name,
			Env:       map[string]string{"PORT": "8000", "ENV": "production"},
			IsEnabled: true,
		}, nil
	case KindAPI:
		return &Template{
			Cmd:       "./api-server",
			Cwd:       "/srv/" + name,
			Env:       map[string]string{"PORT": "3000", "LOG_LEVEL": "info"},
			IsEnabled: true,
		}, nil
	case KindWorker:
		return &Template{
			Cmd:       "./worker",
			Cwd:       "/srv/" + name,
			Env:       map[string]string{"WORKER_THREADS": "4", "LOG_LEVEL": "info"},
			IsEnabled: true,
		}, nil
	case KindDatabase:
		return &Template{
			Cmd:       "mongod --dbpath /var/lib/" + name + " --port 27017",
			Cwd:       "/var/lib/" + name,
			Env:       map[string]string{"DB_PORT": "27017"},
			IsEnabled: true,
		}, nil
	default:
		return &Template{Cmd: `sh -c "echo Hello from ` + name + `"`}, nil
	}
}

// JSON renders the template for kind as a record file body, checked against
// the record parser.
func JSON(kind string, name string) ([]byte, error) {
	t, err := Generate(kind, name)
	if err != nil {
		return nil, err
	}
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	if _, err := config.ParseRecord(name, b); err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
