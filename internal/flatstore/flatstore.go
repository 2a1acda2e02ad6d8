// Package flatstore persists whole collections as JSON arrays in a key-value
// store, under the active user's namespace with a session-global mirror.
package flatstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"plansync/internal/kv"
	"plansync/internal/model"
	"plansync/internal/namespace"
)

// CorruptDataError is logged when a stored value cannot be decoded. The value
// is replaced with defaults; callers never see this error.
type CorruptDataError struct {
	Key string
	Err error
}

func (e CorruptDataError) Error() string {
	return fmt.Sprintf("corrupt data under %s: %v", e.Key, e.Err)
}

func (e CorruptDataError) Unwrap() error { return e.Err }

type Adapter struct {
	base   kv.Store
	scoped kv.Prefixed
	user   *model.User
	logger *log.Logger
}

func New(base kv.Store, user *model.User, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	return &Adapter{
		base:   base,
		scoped: kv.WithPrefix(base, namespace.PrefixFor(user)),
		user:   user,
		logger: logger,
	}
}

func (a *Adapter) User() *model.User { return a.user }

// Key returns the namespaced key for dt.
func (a *Adapter) Key(dt model.Collection) string {
	return namespace.KeyFor(a.user, dt)
}

// GlobalKey is the unnamespaced key mirrored for the active session.
func GlobalKey(dt model.Collection) string { return string(dt) }

func defaultsFor(dt model.Collection) string {
	if dt == model.CollectionLists {
		b, _ := json.Marshal(model.DefaultLists())
		return string(b)
	}
	return "[]"
}

// Load returns the collection stored for dt, initializing and persisting the
// defaults when nothing usable is stored.
func Load[T any](a *Adapter, dt model.Collection) []T {
	raw := a.loadRaw(dt)
	var out []T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		a.logger.Printf("flatstore: %v", CorruptDataError{Key: a.Key(dt), Err: err})
		raw = a.reset(dt)
		out = nil
		_ = json.Unmarshal([]byte(raw), &out)
	}
	if out == nil {
		out = []T{}
	}
	return out
}

// Save writes v under the namespaced key and the session-global key.
func Save[T any](a *Adapter, dt model.Collection, v []T) error {
	if v == nil {
		v = []T{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return a.saveRaw(dt, string(b))
}

func (a *Adapter) Tasks() []model.Task   { return Load[model.Task](a, model.CollectionTasks) }
func (a *Adapter) Events() []model.Event { return Load[model.Event](a, model.CollectionEvents) }
func (a *Adapter) Habits() []model.Habit { return Load[model.Habit](a, model.CollectionHabits) }
func (a *Adapter) Lists() []string       { return Load[string](a, model.CollectionLists) }

func (a *Adapter) SaveTasks(v []model.Task) error {
	return Save(a, model.CollectionTasks, v)
}

func (a *Adapter) SaveEvents(v []model.Event) error {
	return Save(a, model.CollectionEvents, v)
}

func (a *Adapter) SaveHabits(v []model.Habit) error {
	return Save(a, model.CollectionHabits, v)
}

func (a *Adapter) SaveLists(v []string) error {
	return Save(a, model.CollectionLists, v)
}

// MirrorCollection stores the full contents of an indexed collection. List
// records are flattened to their names.
func (a *Adapter) MirrorCollection(c model.Collection, records any) error {
	if lists, ok := records.([]model.List); ok {
		names := make([]string, 0, len(lists))
		for _, l := range lists {
			names = append(names, l.Name)
		}
		return a.SaveLists(names)
	}
	b, err := json.Marshal(records)
	if err != nil {
		return err
	}
	if string(b) == "null" {
		b = []byte("[]")
	}
	return a.saveRaw(c, string(b))
}

// SwitchUser wipes the session-global keys, then loads the new user's
// collections into them.
func (a *Adapter) SwitchUser(u *model.User) error {
	if err := a.ClearSession(); err != nil {
		return err
	}
	a.user = u
	a.scoped = kv.WithPrefix(a.base, namespace.PrefixFor(u))

	var errs []error
	for _, dt := range model.Collections() {
		raw := a.loadRaw(dt)
		if err := a.base.Set(GlobalKey(dt), raw); err != nil {
			errs = append(errs, fmt.Errorf("mirror %s: %w", dt, err))
		}
	}
	return errors.Join(errs...)
}

// ClearSession deletes every session-global key.
func (a *Adapter) ClearSession() error {
	var errs []error
	for _, dt := range model.Collections() {
		if err := a.base.Delete(GlobalKey(dt)); err != nil {
			errs = append(errs, fmt.Errorf("clear %s: %w", dt, err))
		}
	}
	return errors.Join(errs...)
}

type Stats struct {
	Tasks  int `json:"tasks"`
	Events int `json:"events"`
	Habits int `json:"habits"`
	Lists  int `json:"lists"`
	Keys   int `json:"keys"`
	Bytes  int `json:"bytes"`
}

// Stats reports the active user's namespaced usage only.
func (a *Adapter) Stats() (Stats, error) {
	st := Stats{
		Tasks:  len(a.Tasks()),
		Events: len(a.Events()),
		Habits: len(a.Habits()),
		Lists:  len(a.Lists()),
	}
	// Collection keys only; a longer identity can share this user's prefix.
	for _, dt := range model.Collections() {
		v, ok, err := a.scoped.Get(string(dt))
		if err != nil {
			return st, err
		}
		if ok {
			st.Keys++
			st.Bytes += len(dt) + len(v)
		}
	}
	return st, nil
}

// Export snapshots the active user's data.
func (a *Adapter) Export(now time.Time) model.Export {
	var u model.ExportUser
	if a.user != nil {
		u = model.ExportUser{Name: a.user.Name, Email: a.user.Email, ID: a.user.ID}
	}
	return model.Export{
		User: u,
		Data: model.ExportData{
			Tasks:  a.Tasks(),
			Events: a.Events(),
			Habits: a.Habits(),
			Lists:  a.Lists(),
		},
		ExportDate: now.UTC(),
	}
}

// loadRaw returns a JSON array for dt, falling back to (and persisting)
// defaults for missing or corrupt values.
func (a *Adapter) loadRaw(dt model.Collection) string {
	raw, ok, err := a.scoped.Get(string(dt))
	if err != nil {
		a.logger.Printf("flatstore: read %s: %v", a.Key(dt), err)
		return defaultsFor(dt)
	}
	if !ok {
		return a.reset(dt)
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &items); err != nil {
		a.logger.Printf("flatstore: %v", CorruptDataError{Key: a.Key(dt), Err: err})
		return a.reset(dt)
	}
	return raw
}

func (a *Adapter) reset(dt model.Collection) string {
	raw := defaultsFor(dt)
	if err := a.saveRaw(dt, raw); err != nil {
		a.logger.Printf("flatstore: persist defaults for %s: %v", a.Key(dt), err)
	}
	return raw
}

func (a *Adapter) saveRaw(dt model.Collection, raw string) error {
	var errs []error
	if err := a.scoped.Set(string(dt), raw); err != nil {
		errs = append(errs, fmt.Errorf("save %s: %w", a.Key(dt), err))
	}
	if err := a.base.Set(GlobalKey(dt), raw); err != nil {
		errs = append(errs, fmt.Errorf("save %s: %w", GlobalKey(dt), err))
	}
	return errors.Join(errs...)
}
