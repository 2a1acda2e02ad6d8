// Package kv provides the string key-value storage the flat store persists
// into, plus decorators that compose over any Store.
package kv

import (
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
)

// ErrUnavailable reports that the persistent backend cannot be used.
var ErrUnavailable = errors.New("storage unavailable")

type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
	Keys() ([]string, error)
}

type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemory() *Memory {
	return &Memory{data: map[string]string{}}
}

func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Prefixed scopes every key of Base under Prefix.
type Prefixed struct {
	Base   Store
	Prefix string
}

func WithPrefix(base Store, prefix string) Prefixed {
	return Prefixed{Base: base, Prefix: prefix}
}

func (p Prefixed) Get(key string) (string, bool, error) { return p.Base.Get(p.Prefix + key) }
func (p Prefixed) Set(key, value string) error          { return p.Base.Set(p.Prefix+key, value) }
func (p Prefixed) Delete(key string) error              { return p.Base.Delete(p.Prefix + key) }

// Keys returns the unprefixed keys under Prefix.
func (p Prefixed) Keys() ([]string, error) {
	all, err := p.Base.Keys()
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, k := range all {
		if strings.HasPrefix(k, p.Prefix) {
			out = append(out, strings.TrimPrefix(k, p.Prefix))
		}
	}
	return out, nil
}

// Open returns a file-backed store at path, or an in-memory store when the
// file cannot be used.
func Open(path string, logger *log.Logger) Store {
	if logger == nil {
		logger = log.Default()
	}
	f, err := OpenFile(path, logger)
	if err != nil {
		logger.Printf("kv: %v; falling back to in-memory storage", err)
		return NewMemory()
	}
	return f
}
