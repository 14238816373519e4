// Package logsink stores the combined output of each service in one
// append-only file and serves it back through an offset cursor.
package logsink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrBusy is returned by Clear while a process holds the log open for writing.
var ErrBusy = errors.New("log is open for writing")

const (
	dirMode  = 0o750
	fileMode = 0o640
)

// Dir hands out one Sink per service name under a common root, so that every
// caller for the same name shares the writer accounting.
type Dir struct {
	root  string
	mu    sync.Mutex
	sinks map[string]*Sink
}

func NewDir(root string) *Dir {
	return &Dir{root: root, sinks: make(map[string]*Sink)}
}

// Sink returns the sink for name, creating the handle (not the file) on first use.
func (d *Dir) Sink(name string) (*Sink, error) {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return nil, fmt.Errorf("invalid log name %q", name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sinks[name]
	if !ok {
		s = &Sink{path: filepath.Join(d.root, name+".log")}
		d.sinks[name] = s
	}
	return s, nil
}

// Sink is a single append-only log file.
type Sink struct {
	path    string
	mu      sync.Mutex
	writers int
}

// New returns a standalone sink for path. Prefer Dir.Sink for service logs.
func New(path string) *Sink { return &Sink{path: path} }

func (s *Sink) Path() string { return s.path }

func (s *Sink) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), dirMode); err != nil {
		return nil, err
	}
	// #nosec G304 -- path is derived from a validated service name
	return os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, fileMode)
}

// Append writes p at the end of the log.
func (s *Sink) Append(p []byte) (int, error) {
	f, err := s.open()
	if err != nil {
		return 0, err
	}
	n, werr := f.Write(p)
	cerr := f.Close()
	if werr != nil {
		return n, werr
	}
	return n, cerr
}

// OpenWriter opens the log for a child process. The sink counts open writers
// until the returned Writer is closed; Clear is refused meanwhile.
func (s *Sink) OpenWriter() (*Writer, error) {
	f, err := s.open()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.writers++
	s.mu.Unlock()
	return &Writer{f: f, sink: s}, nil
}

// Writers reports how many writers are currently open.
func (s *Sink) Writers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writers
}

// Size returns the current length of the log; a missing file has size 0.
func (s *Sink) Size() (int64, error) {
	fi, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// ReadFrom returns the bytes from offset to the current end of the log and the
// offset to pass on the next call.
func (s *Sink) ReadFrom(offset int64) ([]byte, int64, error) {
	return s.ReadChunk(offset, 0)
}

// ReadChunk is ReadFrom limited to at most max bytes (max <= 0 means no limit).
// An offset past the end yields no bytes and next == offset.
func (s *Sink) ReadChunk(offset, max int64) ([]byte, int64, error) {
	if offset < 0 {
		return nil, offset, fmt.Errorf("negative offset %d", offset)
	}
	// #nosec G304 -- see open
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, offset, nil
	}
	if err != nil {
		return nil, offset, err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	avail := fi.Size() - offset
	if avail <= 0 {
		return nil, offset, nil
	}
	if max > 0 && avail > max {
		avail = max
	}
	buf := make([]byte, avail)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, offset, err
	}
	return buf[:n], offset + int64(n), nil
}

// Clear truncates the log. It fails with ErrBusy while a writer is open.
func (s *Sink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writers > 0 {
		return ErrBusy
	}
	err := os.Truncate(s.path, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Remove deletes the log file. It fails with ErrBusy while a writer is open.
func (s *Sink) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writers > 0 {
		return ErrBusy
	}
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Writer is a log handle owned by one child process.
type Writer struct {
	f      *os.File
	sink   *Sink
	closed bool
}

// File exposes the descriptor so it can be handed to the child directly.
func (w *Writer) File() *os.File { return w.f }

func (w *Writer) Write(p []byte) (int, error) { return w.f.Write(p) }

// Close releases the descriptor. A second call returns os.ErrClosed without
// touching the descriptor again.
func (w *Writer) Close() error {
	w.sink.mu.Lock()
	if w.closed {
		w.sink.mu.Unlock()
		return os.ErrClosed
	}
	w.closed = true
	w.sink.writers--
	w.sink.mu.Unlock()
	return w.f.Close()
}
