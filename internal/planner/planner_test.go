package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"path/filepath"
	"testing"
	"time"

	"plansync/internal/cascade"
	"plansync/internal/flatstore"
	"plansync/internal/indexed"
	"plansync/internal/kv"
	"plansync/internal/model"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openService(t *testing.T, store kv.Store, dbPath string, u *model.User) *Service {
	t.Helper()
	s, err := Open(context.Background(), Options{
		KV:     store,
		DBPath: dbPath,
		User:   u,
		Logger: log.New(&bytes.Buffer{}, "", 0),
		Now:    func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_SeedsDefaultLists(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	s := openService(t, store, filepath.Join(t.TempDir(), "index.sqlite"), &model.User{ID: "u1", Email: "a@x.com"})

	lists, err := s.Lists(ctx)
	if err != nil {
		t.Fatalf("Lists: %v", err)
	}
	if len(lists) != 3 || lists[0] != "Personal" {
		t.Fatalf("expected default lists, got %v", lists)
	}
	raw, ok, _ := store.Get(flatstore.GlobalKey(model.CollectionLists))
	if !ok || raw != `["Personal","Work","Shopping"]` {
		t.Fatalf("expected lists mirrored to the session key, got %q", raw)
	}
}

func TestPayRent_LinkAndCascade(t *testing.T) {
	ctx := context.Background()
	s := openService(t, kv.NewMemory(), filepath.Join(t.TempDir(), "index.sqlite"), &model.User{ID: "u1"})

	var changes []model.Change
	id := s.Subscribe(func(ch model.Change) error { changes = append(changes, ch); return nil })

	task, err := s.AddTask(ctx, model.Task{Title: "Pay rent", Date: "2025-03-01", Priority: model.PriorityHigh}, true)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	events, _ := s.Events(ctx)
	if len(events) != 1 || events[0].Title != "Pay rent" || !model.IDEquals(events[0].SourceTaskID, task.ID) {
		t.Fatalf("expected one derived event, got %+v", events)
	}
	if len(changes) == 0 {
		t.Fatalf("expected change notifications")
	}

	// Re-linking must not duplicate.
	if _, err := s.LinkTask(ctx, task.ID); err != nil {
		t.Fatalf("LinkTask: %v", err)
	}
	if events, _ := s.Events(ctx); len(events) != 1 {
		t.Fatalf("expected still one event, got %d", len(events))
	}

	sum, err := s.DeleteTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if len(sum.Deleted) != 2 {
		t.Fatalf("expected task and event deleted, got %+v", sum)
	}
	tasks, _ := s.Tasks(ctx)
	events, _ = s.Events(ctx)
	if len(tasks) != 0 || len(events) != 0 {
		t.Fatalf("expected both collections empty, got %d tasks %d events", len(tasks), len(events))
	}

	s.Unsubscribe(id)
	n := len(changes)
	if _, err := s.AddTask(ctx, model.Task{Title: "quiet"}, false); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if len(changes) != n {
		t.Fatalf("unsubscribed listener must not be called")
	}
}

func TestUpdateTask_ResyncsLinkedEvent(t *testing.T) {
	ctx := context.Background()
	s := openService(t, kv.NewMemory(), filepath.Join(t.TempDir(), "index.sqlite"), &model.User{ID: "u1"})
	task, err := s.AddTask(ctx, model.Task{Title: "Dentist", Date: "2025-04-01"}, true)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	title, date := "Dentist (moved)", "2025-04-02"
	if _, err := s.UpdateTask(ctx, task.ID, TaskPatch{Title: &title, Date: &date}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	events, _ := s.Events(ctx)
	if len(events) != 1 || events[0].Title != title || events[0].Date != date {
		t.Fatalf("expected event to follow the task, got %+v", events)
	}

	bad := "tomorrow"
	if _, err := s.UpdateTask(ctx, task.ID, TaskPatch{Date: &bad}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if _, err := s.UpdateTask(ctx, 999, TaskPatch{Title: &title}); !errors.Is(err, indexed.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAddEvent_AsTaskAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openService(t, kv.NewMemory(), filepath.Join(t.TempDir(), "index.sqlite"), &model.User{ID: "u1"})
	work := "Work"
	ev, err := s.AddEvent(ctx, model.Event{Title: "Standup", Date: "2025-03-03", Time: "09:30", List: &work}, true)
	if err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	tasks, _ := s.Tasks(ctx)
	if len(tasks) != 1 || tasks[0].List != "Work" || !model.IDEquals(tasks[0].SourceEventID, ev.ID) {
		t.Fatalf("expected derived task, got %+v", tasks)
	}
	if _, err := s.DeleteEvent(ctx, ev.ID); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if tasks, _ := s.Tasks(ctx); len(tasks) != 0 {
		t.Fatalf("derived task must be deleted with its event, got %+v", tasks)
	}

	missing := "Nowhere"
	if _, err := s.AddEvent(ctx, model.Event{Title: "x", Date: "2025-03-03", List: &missing}, false); !errors.Is(err, indexed.ErrNotFound) {
		t.Fatalf("expected unknown list to be rejected, got %v", err)
	}
}

func TestHabits(t *testing.T) {
	ctx := context.Background()
	s := openService(t, kv.NewMemory(), filepath.Join(t.TempDir(), "index.sqlite"), &model.User{ID: "u1"})

	h, err := s.AddHabit(ctx, model.Habit{Title: "Read"})
	if err != nil {
		t.Fatalf("AddHabit: %v", err)
	}
	if _, err := s.ToggleHabit(ctx, h.ID, "2025-02-28"); err != nil {
		t.Fatalf("ToggleHabit: %v", err)
	}
	h2, err := s.ToggleHabit(ctx, h.ID, "")
	if err != nil {
		t.Fatalf("ToggleHabit today: %v", err)
	}
	if h2.Streak != 2 || h2.BestStreak != 2 {
		t.Fatalf("expected streak 2, got %+v", h2)
	}
	h3, err := s.ToggleHabit(ctx, h.ID, "2025-03-01")
	if err != nil {
		t.Fatalf("ToggleHabit off: %v", err)
	}
	if h3.Streak != 1 || h3.BestStreak != 2 {
		t.Fatalf("expected streak 1 with best kept at 2, got %+v", h3)
	}

	task, err := s.AddTask(ctx, model.Task{Title: "Stretch", List: "Personal"}, false)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	conv, err := s.HabitFromTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("HabitFromTask: %v", err)
	}
	if _, err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	habits, _ := s.Habits(ctx)
	if len(habits) != 2 {
		t.Fatalf("habit converted from a task must survive its deletion, got %+v", habits)
	}
	for _, hb := range habits {
		if hb.ID == conv.ID && hb.SourceTaskID != nil {
			t.Fatalf("expected converted habit detached, got %+v", hb)
		}
	}
}

func TestLists(t *testing.T) {
	ctx := context.Background()
	s := openService(t, kv.NewMemory(), filepath.Join(t.TempDir(), "index.sqlite"), &model.User{ID: "u1"})

	if err := s.AddList(ctx, "Groceries"); err != nil {
		t.Fatalf("AddList: %v", err)
	}
	if err := s.AddList(ctx, "Groceries"); !errors.Is(err, cascade.ErrListExists) {
		t.Fatalf("expected ErrListExists, got %v", err)
	}
	a, err := s.AddTask(ctx, model.Task{Title: "A", List: "Groceries"}, false)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if _, err := s.DeleteList(ctx, "Work"); !errors.Is(err, cascade.ErrProtectedList) {
		t.Fatalf("expected ErrProtectedList, got %v", err)
	}
	if _, err := s.DeleteList(ctx, "Groceries"); err != nil {
		t.Fatalf("DeleteList: %v", err)
	}
	tasks, _ := s.Tasks(ctx)
	if len(tasks) != 1 || tasks[0].ID != a.ID || tasks[0].List != model.NoList {
		t.Fatalf("expected task A kept with list N/A, got %+v", tasks)
	}
}

func TestStats_TwoUsersNeverMix(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	dbPath := filepath.Join(t.TempDir(), "index.sqlite")

	users := []*model.User{{ID: "a", Email: "a@x.com"}, {ID: "b", Email: "b@x.com"}}
	for _, u := range users {
		s := openService(t, store, dbPath, u)
		for _, title := range []string{"one", "two", "three"} {
			if _, err := s.AddTask(ctx, model.Task{Title: title}, false); err != nil {
				t.Fatalf("AddTask: %v", err)
			}
		}
		_ = s.Close()
	}

	for _, u := range users {
		s := openService(t, store, dbPath, u)
		st, err := s.Stats()
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if st.Tasks != 3 {
			t.Fatalf("user %s: expected 3 tasks, got %d", u.Email, st.Tasks)
		}
		tasks, _ := s.Tasks(ctx)
		if len(tasks) != 3 {
			t.Fatalf("user %s: expected 3 indexed tasks, got %d", u.Email, len(tasks))
		}
		_ = s.Close()
	}
}

func TestOpen_ImportReassignsIDsOwnedByAnotherUser(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	dbPath := filepath.Join(t.TempDir(), "index.sqlite")
	quiet := log.New(&bytes.Buffer{}, "", 0)

	// Both users carry flat data from before the index existed, with the
	// same ids and cross-references.
	users := []*model.User{{ID: "a", Email: "a@x.com"}, {ID: "b", Email: "b@x.com"}}
	for _, u := range users {
		flat := flatstore.New(store, u, quiet)
		if err := flat.SaveTasks([]model.Task{
			{ID: 1, Title: u.ID + " one", List: "Personal"},
			{ID: 2, Title: u.ID + " two", Date: "2025-03-02", List: "Personal", AssociatedEventID: model.ID(1), HasAssociatedEvent: true},
		}); err != nil {
			t.Fatalf("save tasks: %v", err)
		}
		if err := flat.SaveEvents([]model.Event{
			{ID: 1, Title: u.ID + " two", Date: "2025-03-02", EndDate: "2025-03-02", SourceTaskID: model.ID(2), CreatedFromTask: true},
		}); err != nil {
			t.Fatalf("save events: %v", err)
		}
		if err := flat.SaveHabits([]model.Habit{
			{ID: 1, Title: u.ID + " one", SourceTaskID: model.ID(1), Completions: map[string]bool{}},
		}); err != nil {
			t.Fatalf("save habits: %v", err)
		}
	}

	a := openService(t, store, dbPath, users[0])
	_ = a.Close()
	b := openService(t, store, dbPath, users[1])

	tasks, err := b.Tasks(ctx)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected b's 2 tasks imported, got %+v", tasks)
	}
	byTitle := map[string]model.Task{}
	for _, task := range tasks {
		if task.ID == 1 || task.ID == 2 {
			t.Fatalf("task %q kept id %d owned by a", task.Title, task.ID)
		}
		byTitle[task.Title] = task
	}
	one, two := byTitle["b one"], byTitle["b two"]

	events, _ := b.Events(ctx)
	if len(events) != 1 || events[0].ID == 1 {
		t.Fatalf("expected b's event under a new id, got %+v", events)
	}
	if !model.IDEquals(events[0].SourceTaskID, two.ID) || !model.IDEquals(two.AssociatedEventID, events[0].ID) {
		t.Fatalf("task/event references not remapped: task %+v event %+v", two, events[0])
	}
	habits, _ := b.Habits(ctx)
	if len(habits) != 1 || !model.IDEquals(habits[0].SourceTaskID, one.ID) {
		t.Fatalf("habit reference not remapped: %+v", habits)
	}
	if st, _ := b.Stats(); st.Tasks != 2 || st.Events != 1 || st.Habits != 1 {
		t.Fatalf("expected b's flat mirror intact, got %+v", st)
	}
	report, err := b.Doctor(ctx)
	if err != nil {
		t.Fatalf("Doctor: %v", err)
	}
	if report.HasErrors() {
		t.Fatalf("expected consistent references, got %+v", report.Issues)
	}
	_ = b.Close()

	a = openService(t, store, dbPath, users[0])
	if tasks, _ := a.Tasks(ctx); len(tasks) != 2 || tasks[0].ID != 1 || tasks[1].ID != 2 {
		t.Fatalf("expected a's tasks untouched, got %+v", tasks)
	}
}

func TestOpen_ImportKeepsRecordsWithoutIDs(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	u := &model.User{ID: "a"}
	flat := flatstore.New(store, u, log.New(&bytes.Buffer{}, "", 0))
	if err := flat.SaveTasks([]model.Task{{Title: "no id", List: "Personal"}, {ID: 1, Title: "one", List: "Personal"}}); err != nil {
		t.Fatalf("save tasks: %v", err)
	}

	s := openService(t, store, filepath.Join(t.TempDir(), "index.sqlite"), u)
	tasks, err := s.Tasks(ctx)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != 1 || tasks[0].Title != "one" || tasks[1].Title != "no id" {
		t.Fatalf("expected both tasks imported, got %+v", tasks)
	}
}

func TestExportAndResync(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	u := &model.User{ID: "u1", Email: "a@x.com", Name: "A"}
	s := openService(t, store, filepath.Join(t.TempDir(), "index.sqlite"), u)
	if _, err := s.AddTask(ctx, model.Task{Title: "export me"}, false); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	exp := s.Export()
	if exp.User.Email != "a@x.com" || len(exp.Data.Tasks) != 1 || len(exp.Data.Lists) != 3 || !exp.ExportDate.Equal(fixedNow) {
		t.Fatalf("unexpected export: %+v", exp)
	}
	b, err := json.Marshal(exp)
	if err != nil {
		t.Fatalf("marshal export: %v", err)
	}
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(b, &shape); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	for _, k := range []string{"user", "data", "exportDate"} {
		if _, ok := shape[k]; !ok {
			t.Fatalf("export is missing %q: %s", k, b)
		}
	}

	// Simulate another process clobbering the session mirror.
	if err := store.Set(flatstore.GlobalKey(model.CollectionTasks), "[]"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var synced []model.Collection
	s.Subscribe(func(ch model.Change) error {
		if ch.Action == model.ActionSynced {
			synced = append(synced, ch.Collection)
		}
		return nil
	})
	if err := s.Resync(ctx); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if len(synced) != len(model.Collections()) {
		t.Fatalf("expected a synced change per collection, got %v", synced)
	}
	raw, _, _ := store.Get(flatstore.GlobalKey(model.CollectionTasks))
	var tasks []model.Task
	if err := json.Unmarshal([]byte(raw), &tasks); err != nil || len(tasks) != 1 {
		t.Fatalf("expected resync to restore the mirror, got %q", raw)
	}
}

func TestDoctor_CleanAfterLinking(t *testing.T) {
	ctx := context.Background()
	s := openService(t, kv.NewMemory(), filepath.Join(t.TempDir(), "index.sqlite"), &model.User{ID: "u1"})
	if _, err := s.AddTask(ctx, model.Task{Title: "T", Date: "2025-03-02"}, true); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if _, err := s.AddEvent(ctx, model.Event{Title: "E", Date: "2025-03-02"}, true); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	rep, err := s.Doctor(ctx)
	if err != nil {
		t.Fatalf("Doctor: %v", err)
	}
	if len(rep.Issues) != 0 {
		t.Fatalf("expected no issues, got %+v", rep.Issues)
	}
}
