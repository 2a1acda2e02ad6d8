package cascade

import (
	"bytes"
	"context"
	"errors"
	"log"
	"path/filepath"
	"sort"
	"testing"

	"plansync/internal/indexed"
	"plansync/internal/link"
	"plansync/internal/model"
)

// memRepo is a non-atomic repository, so Execute takes the sequential path.
type memRepo struct {
	tasks  map[int64]model.Task
	events map[int64]model.Event
	habits map[int64]model.Habit
	lists  map[int64]model.List

	failRemove map[model.Collection]bool
	removed    []Ref
}

func newMemRepo() *memRepo {
	return &memRepo{
		tasks:      map[int64]model.Task{},
		events:     map[int64]model.Event{},
		habits:     map[int64]model.Habit{},
		lists:      map[int64]model.List{},
		failRemove: map[model.Collection]bool{},
	}
}

func values[T any](m map[int64]T) []T {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]T, 0, len(m))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

func (r *memRepo) Tasks(context.Context) ([]model.Task, error)   { return values(r.tasks), nil }
func (r *memRepo) Events(context.Context) ([]model.Event, error) { return values(r.events), nil }
func (r *memRepo) Habits(context.Context) ([]model.Habit, error) { return values(r.habits), nil }
func (r *memRepo) Lists(context.Context) ([]model.List, error)   { return values(r.lists), nil }

func (r *memRepo) Update(_ context.Context, c model.Collection, rec model.Record) error {
	switch v := rec.(type) {
	case *model.Task:
		r.tasks[v.ID] = *v
	case *model.Event:
		r.events[v.ID] = *v
	case *model.Habit:
		r.habits[v.ID] = *v
	case *model.List:
		r.lists[v.ID] = *v
	default:
		return errors.New("unexpected record")
	}
	return nil
}

func (r *memRepo) Remove(_ context.Context, c model.Collection, id int64) error {
	if r.failRemove[c] {
		return errors.New("disk on fire")
	}
	var ok bool
	switch c {
	case model.CollectionTasks:
		_, ok = r.tasks[id]
		delete(r.tasks, id)
	case model.CollectionEvents:
		_, ok = r.events[id]
		delete(r.events, id)
	case model.CollectionHabits:
		_, ok = r.habits[id]
		delete(r.habits, id)
	case model.CollectionLists:
		_, ok = r.lists[id]
		delete(r.lists, id)
	}
	if !ok {
		return indexed.NotFoundError{Collection: c, ID: id}
	}
	r.removed = append(r.removed, Ref{Collection: c, ID: id})
	return nil
}

func quietLogger() *log.Logger { return log.New(&bytes.Buffer{}, "", 0) }

func TestDeleteTask_RemovesLinkedEventsFirst(t *testing.T) {
	ctx := context.Background()
	r := newMemRepo()
	r.tasks[1] = model.Task{ID: 1, Title: "Pay rent", AssociatedEventID: model.ID(10), HasAssociatedEvent: true}
	r.tasks[2] = model.Task{ID: 2, Title: "other"}
	r.events[10] = model.Event{ID: 10, Title: "Pay rent", SourceTaskID: model.ID(1), CreatedFromTask: true, AssociatedTaskID: model.ID(1)}
	r.events[11] = model.Event{ID: 11, Title: "legacy", LegacyTaskID: model.ID(1)}
	r.events[12] = model.Event{ID: 12, Title: "unrelated"}
	r.habits[5] = model.Habit{ID: 5, Title: "Pay rent", SourceTaskID: model.ID(1)}

	e := New(r, quietLogger())
	plan, err := e.DeleteTask(ctx, 1)
	if err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, ok := r.tasks[1]; ok {
		t.Fatalf("task should be gone")
	}
	for _, id := range []int64{10, 11} {
		if _, ok := r.events[id]; ok {
			t.Fatalf("event %d should be gone", id)
		}
	}
	if _, ok := r.events[12]; !ok {
		t.Fatalf("unrelated event must survive")
	}
	if h := r.habits[5]; h.SourceTaskID != nil {
		t.Fatalf("habit should be detached, got %+v", h)
	}
	last := r.removed[len(r.removed)-1]
	if last != (Ref{Collection: model.CollectionTasks, ID: 1}) {
		t.Fatalf("primary must be removed last, order=%v", r.removed)
	}
	if got := len(plan.Summary().Deleted); got != 3 {
		t.Fatalf("expected 3 deletes in summary, got %d", got)
	}
}

func TestDeleteTask_CounterpartFailureStillDeletesPrimary(t *testing.T) {
	ctx := context.Background()
	logs := &bytes.Buffer{}
	r := newMemRepo()
	r.tasks[1] = model.Task{ID: 1, AssociatedEventID: model.ID(10)}
	r.events[10] = model.Event{ID: 10, AssociatedTaskID: model.ID(1)}
	r.failRemove[model.CollectionEvents] = true

	_, err := New(r, log.New(logs, "", 0)).DeleteTask(ctx, 1)
	if err == nil {
		t.Fatalf("expected the counterpart failure to be reported")
	}
	if _, ok := r.tasks[1]; ok {
		t.Fatalf("primary delete must still be attempted")
	}
	if !bytes.Contains(logs.Bytes(), []byte("disk on fire")) {
		t.Fatalf("expected failure to be logged, got %q", logs.String())
	}
}

func TestDeleteEvent_RemovesDerivedTask(t *testing.T) {
	ctx := context.Background()
	r := newMemRepo()
	r.events[10] = model.Event{ID: 10, AssociatedTaskID: model.ID(1)}
	r.tasks[1] = model.Task{ID: 1, SourceEventID: model.ID(10), CreatedFromEvent: true, AssociatedEventID: model.ID(10)}
	r.tasks[2] = model.Task{ID: 2}

	if _, err := New(r, quietLogger()).DeleteEvent(ctx, 10); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if len(r.tasks) != 1 || len(r.events) != 0 {
		t.Fatalf("unexpected state: tasks=%v events=%v", r.tasks, r.events)
	}
}

func TestDeleteMissing(t *testing.T) {
	ctx := context.Background()
	e := New(newMemRepo(), quietLogger())
	if _, err := e.DeleteTask(ctx, 99); !errors.Is(err, indexed.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.DeleteHabit(ctx, 99); !errors.Is(err, indexed.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteList_DetachesMembers(t *testing.T) {
	ctx := context.Background()
	r := newMemRepo()
	groceries := "Groceries"
	r.lists[1] = model.List{ID: 1, Name: "Personal"}
	r.lists[2] = model.List{ID: 2, Name: groceries}
	r.tasks[1] = model.Task{ID: 1, Title: "A", List: groceries}
	r.events[1] = model.Event{ID: 1, List: &groceries}

	e := New(r, quietLogger())
	if _, err := e.DeleteList(ctx, "Personal"); !errors.Is(err, ErrProtectedList) {
		t.Fatalf("expected ErrProtectedList, got %v", err)
	}
	if _, err := e.DeleteList(ctx, groceries); err != nil {
		t.Fatalf("DeleteList: %v", err)
	}
	if a, ok := r.tasks[1]; !ok || a.List != model.NoList {
		t.Fatalf("task must survive with list N/A, got %+v (present=%v)", a, ok)
	}
	if r.events[1].List != nil {
		t.Fatalf("event list must be cleared")
	}
	if _, ok := r.lists[2]; ok {
		t.Fatalf("list must be removed")
	}
	if _, err := e.DeleteList(ctx, groceries); !errors.Is(err, indexed.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for second delete, got %v", err)
	}
}

func TestRenameList(t *testing.T) {
	ctx := context.Background()
	r := newMemRepo()
	old := "Errands"
	r.lists[1] = model.List{ID: 1, Name: "Work"}
	r.lists[2] = model.List{ID: 2, Name: old}
	r.tasks[1] = model.Task{ID: 1, List: old}
	r.events[1] = model.Event{ID: 1, List: &old}

	e := New(r, quietLogger())
	tests := []struct {
		from, to string
		want     error
	}{
		{"Work", "Jobs", ErrProtectedList},
		{old, "Work", ErrListExists},
		{old, "  ", ErrEmptyName},
		{"Missing", "Other", indexed.ErrNotFound},
	}
	for _, tt := range tests {
		if _, err := e.RenameList(ctx, tt.from, tt.to); !errors.Is(err, tt.want) {
			t.Fatalf("rename %q -> %q: expected %v, got %v", tt.from, tt.to, tt.want, err)
		}
	}

	if _, err := e.RenameList(ctx, old, "Chores"); err != nil {
		t.Fatalf("RenameList: %v", err)
	}
	if r.lists[2].Name != "Chores" || r.tasks[1].List != "Chores" || *r.events[1].List != "Chores" {
		t.Fatalf("rename not propagated: list=%+v task=%+v event=%v", r.lists[2], r.tasks[1], *r.events[1].List)
	}
}

func TestPayRentScenario_Atomic(t *testing.T) {
	ctx := context.Background()
	logger := quietLogger()
	s, err := indexed.Open(indexed.Options{Path: filepath.Join(t.TempDir(), "index.sqlite"), Namespace: "a", Logger: logger})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	task := &model.Task{Title: "Pay rent", Date: "2025-03-01", Priority: model.PriorityHigh}
	if _, err := s.Add(ctx, model.CollectionTasks, task); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ev, err := link.New(s, logger).LinkTaskToEvent(ctx, task)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if !model.IDEquals(ev.SourceTaskID, task.ID) {
		t.Fatalf("expected derived event, got %+v", ev)
	}

	var actions []model.Action
	s.Bus().Subscribe(func(ch model.Change) error { actions = append(actions, ch.Action); return nil })

	if _, err := New(s, logger).DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if n, _ := s.Count(ctx, model.CollectionTasks); n != 0 {
		t.Fatalf("expected no tasks, got %d", n)
	}
	if n, _ := s.Count(ctx, model.CollectionEvents); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
	if len(actions) != 2 {
		t.Fatalf("expected a delete notification per collection, got %v", actions)
	}
}
