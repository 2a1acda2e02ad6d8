package kv

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// File keeps the whole key space in memory and writes it back to a single JSON
// object on every mutation.
type File struct {
	Path string

	logger *log.Logger
	mu     sync.RWMutex
	data   map[string]string
	raw    []byte
}

// OpenFile loads path, creating it when missing. An unreadable file is moved
// aside to <path>.corrupt-<timestamp> and the store starts empty.
func OpenFile(path string, logger *log.Logger) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrUnavailable)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if logger == nil {
		logger = log.Default()
	}
	f := &File{Path: path, logger: logger, data: map[string]string{}}
	if _, err := f.Reload(); err != nil {
		return nil, err
	}
	// Probe writability up front so callers can degrade early.
	if err := f.flushLocked(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return f, nil
}

// Reload re-reads the file when its content differs from what this process
// last read or wrote. Another process writing the same file wins. A corrupt
// file is moved aside; the keys already in memory are written back in its
// place.
func (f *File) Reload() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if f.raw != nil && bytes.Equal(b, f.raw) {
		return false, nil
	}
	data := map[string]string{}
	if len(strings.TrimSpace(string(b))) > 0 {
		if err := json.Unmarshal(b, &data); err != nil {
			return false, f.quarantineLocked(err)
		}
	}
	f.data = data
	f.raw = b
	return true, nil
}

func (f *File) quarantineLocked(cause error) error {
	backup := fmt.Sprintf("%s.corrupt-%s", f.Path, time.Now().UTC().Format("20060102T150405.000000000"))
	if err := os.Rename(f.Path, backup); err != nil {
		return fmt.Errorf("%w: %s is corrupt (%v) and could not be moved aside: %v", ErrUnavailable, f.Path, cause, err)
	}
	f.logger.Printf("kv: %s is corrupt (%v); moved to %s", f.Path, cause, backup)
	f.raw = nil
	if len(f.data) == 0 {
		return nil
	}
	if err := f.flushLocked(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (f *File) Get(key string) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *File) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data[key]
	f.data[key] = value
	if err := f.flushLocked(); err != nil {
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.data[key]
	if !had {
		return nil
	}
	delete(f.data, key)
	if err := f.flushLocked(); err != nil {
		f.data[key] = prev
		return err
	}
	return nil
}

func (f *File) Keys() ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.data))
	for k := range f.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (f *File) flushLocked() error {
	b, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.Path)
	if err := AtomicWriteFile(dir, filepath.Base(f.Path)+".*.tmp", f.Path, b, 0o600); err != nil {
		return err
	}
	f.raw = b
	return nil
}

// AtomicWriteFile writes through a unique temp file and renames it into place
// so concurrent writers never leave a torn file behind.
func AtomicWriteFile(dir, tmpPattern, path string, b []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(dir, tmpPattern)
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	_ = os.Chmod(name, perm)
	return os.Rename(name, path)
}
