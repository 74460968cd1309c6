// Package logstore stores captured VMM stderr, one log file per function,
// with size-based rotation. Rotated files are gzip-compressed.
package logstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

const maxFileBytes = 10 * 1024 * 1024 // per log file before rotation

// Store manages VM log files under a single directory.
type Store struct {
	mu   sync.Mutex
	dir  string
	open map[string]*logFile
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) *Store {
	os.MkdirAll(dir, 0700)
	return &Store{dir: dir, open: make(map[string]*logFile)}
}

// Writer returns the stderr sink for a VM of the named function. Writers for
// the same function share one file; writes are serialized.
func (s *Store) Writer(function string) io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	lf, ok := s.open[function]
	if !ok {
		lf = &logFile{path: filepath.Join(s.dir, function+".stderr.log")}
		s.open[function] = lf
	}
	return lf
}

// Close flushes and closes every open log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, lf := range s.open {
		if err := lf.close(); err != nil && first == nil {
			first = err
		}
	}
	s.open = make(map[string]*logFile)
	return first
}

// logFile appends to a file, rotating once it exceeds maxFileBytes.
type logFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
}

func (l *logFile) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		if err := l.openLocked(); err != nil {
			return 0, err
		}
	}
	if l.size+int64(len(p)) > maxFileBytes {
		if err := l.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := l.f.Write(p)
	l.size += int64(n)
	return n, err
}

func (l *logFile) openLocked() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	l.f = f
	l.size = st.Size()
	return nil
}

// rotateLocked compresses the current file to <path>.<unix-nanos>.gz and
// truncates the live file.
func (l *logFile) rotateLocked() error {
	if err := l.f.Close(); err != nil {
		return err
	}
	l.f = nil

	if err := compressFile(l.path, fmt.Sprintf("%s.%d.gz", l.path, time.Now().UnixNano())); err != nil {
		return err
	}
	if err := os.Truncate(l.path, 0); err != nil {
		return err
	}
	return l.openLocked()
}

func (l *logFile) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
