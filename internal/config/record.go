package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
)

// RecordExt is the suffix of service records in the config root.
const RecordExt = ".json"

const recordMode = 0o640

// ErrConfig matches every *ConfigError via errors.Is.
var ErrConfig = errors.New("invalid service config")

// ConfigError describes one record that could not be used.
type ConfigError struct {
	Name string
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config %s (%s): %v", e.Name, e.Path, e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Name, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// Record is the persisted configuration of one service. Name is the file
// stem and is not stored in the file itself.
type Record struct {
	Name    string            `json:"-"`
	Command string            `json:"cmd"`
	Dir     string            `json:"cwd"`
	Env     map[string]string `json:"env"`
	Enabled bool              `json:"is_enabled"`
}

// recordFile mirrors the on-disk layout. is_enabled accepts a bool or a number.
type recordFile struct {
	Cmd       *string           `json:"cmd"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env"`
	IsEnabled json.RawMessage   `json:"is_enabled"`
}

var nameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidName reports whether name can be used as a record file stem.
func ValidName(name string) error {
	if !nameRE.MatchString(name) {
		return fmt.Errorf("invalid service name %q", name)
	}
	return nil
}

// WorkDir returns Dir, or the home directory of the supervisor when unset.
func (r Record) WorkDir() string {
	if r.Dir != "" {
		return r.Dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	wd, _ := os.Getwd()
	return wd
}

func (r Record) Validate() error {
	if err := ValidName(r.Name); err != nil {
		return &ConfigError{Name: r.Name, Err: err}
	}
	if strings.TrimSpace(r.Command) == "" {
		return &ConfigError{Name: r.Name, Err: errors.New("cmd is empty")}
	}
	for k := range r.Env {
		if k == "" || strings.ContainsRune(k, '=') {
			return &ConfigError{Name: r.Name, Err: fmt.Errorf("invalid env key %q", k)}
		}
	}
	return nil
}

// ParseRecord decodes the JSON body of a record named name.
func ParseRecord(name string, data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var f recordFile
	if err := dec.Decode(&f); err != nil {
		return Record{}, &ConfigError{Name: name, Err: err}
	}
	if f.Cmd == nil {
		return Record{}, &ConfigError{Name: name, Err: errors.New("missing cmd")}
	}
	enabled, err := parseEnabled(f.IsEnabled)
	if err != nil {
		return Record{}, &ConfigError{Name: name, Err: err}
	}
	r := Record{Name: name, Command: *f.Cmd, Dir: f.Cwd, Env: f.Env, Enabled: enabled}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

func parseEnabled(raw json.RawMessage) (bool, error) {
	s := strings.TrimSpace(string(raw))
	switch s {
	case "", "null", "false":
		return false, nil
	case "true":
		return true, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return false, fmt.Errorf("is_enabled must be a bool or a number, got %s", s)
	}
	return n != 0, nil
}

// RecordPath is the file holding the record called name.
func RecordPath(root, name string) string {
	return filepath.Join(root, name+RecordExt)
}

// ReadRecord loads a single record from root.
func ReadRecord(root, name string) (Record, error) {
	if err := ValidName(name); err != nil {
		return Record{}, &ConfigError{Name: name, Err: err}
	}
	path := RecordPath(root, name)
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Record{}, fmt.Errorf("read record %s: %w", name, err)
	}
	r, err := ParseRecord(name, b)
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return Record{}, err
	}
	return r, nil
}

// Scan reads every record in root, sorted by name. Records that fail to
// parse are skipped and reported together in the returned error; the good
// ones are still returned. A missing root yields no records.
func Scan(root string) ([]Record, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != RecordExt {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), RecordExt))
	}
	sort.Strings(names)

	var (
		out  []Record
		errs []error
	)
	for _, name := range names {
		r, err := ReadRecord(root, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, r)
	}
	return out, errors.Join(errs...)
}

// WriteRecord persists r atomically, creating root if needed.
func WriteRecord(root string, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return fmt.Errorf("create config root: %w", err)
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if err := renameio.WriteFile(RecordPath(root, r.Name), b, recordMode); err != nil {
		return fmt.Errorf("write record %s: %w", r.Name, err)
	}
	return nil
}

// RemoveRecord deletes the record file. A missing file is not an error.
func RemoveRecord(root, name string) error {
	if err := ValidName(name); err != nil {
		return &ConfigError{Name: name, Err: err}
	}
	if err := os.Remove(RecordPath(root, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove record %s: %w", name, err)
	}
	return nil
}
