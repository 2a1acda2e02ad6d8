// Package planner is the per-session service the CLI talks to. It owns the
// flat mirror, the indexed store, the change bus, the linker and the cascade
// engine for exactly one user, and is discarded on logout.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"plansync/internal/bus"
	"plansync/internal/cascade"
	"plansync/internal/flatstore"
	"plansync/internal/indexed"
	"plansync/internal/kv"
	"plansync/internal/link"
	"plansync/internal/model"
	"plansync/internal/namespace"
)

var ErrInvalid = errors.New("invalid input")

type Options struct {
	KV     kv.Store
	DBPath string
	User   *model.User
	Logger *log.Logger
	Now    func() time.Time
}

type Service struct {
	kv      kv.Store
	flat    *flatstore.Adapter
	store   *indexed.Store
	bus     *bus.Bus
	linker  *link.Linker
	cascade *cascade.Engine
	logger  *log.Logger
	now     func() time.Time
}

// Open switches the flat store to opts.User, prepares the indexed store and
// makes sure the user has their default lists.
func Open(ctx context.Context, opts Options) (*Service, error) {
	if opts.KV == nil {
		return nil, errors.New("planner: no key-value store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	flat := flatstore.New(opts.KV, nil, logger)
	if err := flat.SwitchUser(opts.User); err != nil {
		logger.Printf("planner: switch user: %v", err)
	}

	b := bus.New(logger)
	st, err := indexed.Open(indexed.Options{
		Path:      opts.DBPath,
		Namespace: namespace.Encode(namespace.Identity(opts.User)),
		Mirror:    flat,
		Bus:       b,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	if err := st.Init(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	linker := link.New(st, logger)
	linker.SetClock(now)
	s := &Service{
		kv:      opts.KV,
		flat:    flat,
		store:   st,
		bus:     b,
		linker:  linker,
		cascade: cascade.New(st, logger),
		logger:  logger,
		now:     now,
	}
	if err := s.seed(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) Close() error { return s.store.Close() }

func (s *Service) User() *model.User { return s.flat.User() }

// ClearSession wipes the session-global mirror keys. Called on logout.
func (s *Service) ClearSession() error { return s.flat.ClearSession() }

func (s *Service) Subscribe(fn bus.Listener) int { return s.bus.Subscribe(fn) }

func (s *Service) Unsubscribe(id int) { s.bus.Unsubscribe(id) }

// seed fills an empty indexed namespace from the flat store, which yields the
// default lists for a new user and carries over data written before the
// index existed.
func (s *Service) seed(ctx context.Context) error {
	total := 0
	for _, c := range model.Collections() {
		n, err := s.store.Count(ctx, c)
		if err != nil {
			return err
		}
		total += n
	}
	if total > 0 {
		s.mirrorAll(ctx)
		return nil
	}

	tasks, events, habits := s.flat.Tasks(), s.flat.Events(), s.flat.Habits()
	taskIDs, err := s.newIDPlan(ctx, model.CollectionTasks, len(tasks), func(i int) int64 { return tasks[i].ID })
	if err != nil {
		return err
	}
	eventIDs, err := s.newIDPlan(ctx, model.CollectionEvents, len(events), func(i int) int64 { return events[i].ID })
	if err != nil {
		return err
	}
	habitIDs, err := s.newIDPlan(ctx, model.CollectionHabits, len(habits), func(i int) int64 { return habits[i].ID })
	if err != nil {
		return err
	}
	for i := range tasks {
		tasks[i].ID = taskIDs.assign(tasks[i].ID)
	}
	for i := range events {
		events[i].ID = eventIDs.assign(events[i].ID)
	}
	for i := range habits {
		habits[i].ID = habitIDs.assign(habits[i].ID)
	}

	var muts []model.Mutation
	for i := range tasks {
		t := &tasks[i]
		t.AssociatedEventID = eventIDs.ref(t.AssociatedEventID)
		t.SourceEventID = eventIDs.ref(t.SourceEventID)
		muts = append(muts, putOrAdd(model.CollectionTasks, t))
	}
	for i := range events {
		ev := &events[i]
		ev.AssociatedTaskID = taskIDs.ref(ev.AssociatedTaskID)
		ev.SourceTaskID = taskIDs.ref(ev.SourceTaskID)
		ev.LegacyTaskID = taskIDs.ref(ev.LegacyTaskID)
		muts = append(muts, putOrAdd(model.CollectionEvents, ev))
	}
	for i := range habits {
		h := &habits[i]
		h.SourceTaskID = taskIDs.ref(h.SourceTaskID)
		muts = append(muts, putOrAdd(model.CollectionHabits, h))
	}
	for _, name := range uniqueNames(s.flat.Lists()) {
		muts = append(muts, model.Mutation{Collection: model.CollectionLists, Action: model.ActionAdded, Record: &model.List{Name: name}})
	}
	if n := len(taskIDs.remap) + len(eventIDs.remap) + len(habitIDs.remap); n > 0 {
		s.logger.Printf("planner: import: %d ids were taken by other users and were reassigned", n)
	}
	// The flat mirror is only rewritten once the import committed; on failure
	// it still holds the user's records.
	if err := s.store.Apply(ctx, muts); err != nil {
		return fmt.Errorf("planner: import stored data: %w", err)
	}
	s.mirrorAll(ctx)
	return nil
}

// idPlan decides the ids imported records are stored under. Ids are shared
// by every namespace in the database, so an id another user owns is replaced
// by a fresh one and references to it are rewritten.
type idPlan struct {
	foreign map[int64]bool
	used    map[int64]bool
	next    int64
	remap   map[int64]int64
}

func (s *Service) newIDPlan(ctx context.Context, c model.Collection, n int, idAt func(int) int64) (*idPlan, error) {
	foreign, err := s.store.UsedIDs(ctx, c)
	if err != nil {
		return nil, err
	}
	p := &idPlan{foreign: foreign, used: map[int64]bool{}, remap: map[int64]int64{}}
	for id := range foreign {
		p.next = max(p.next, id)
	}
	for i := 0; i < n; i++ {
		p.next = max(p.next, idAt(i))
	}
	return p, nil
}

// assign returns the id to store a record under. Records without an id get a
// fresh one too, so no autoincrement id can collide with a later import.
func (p *idPlan) assign(id int64) int64 {
	if id > 0 && !p.foreign[id] && !p.used[id] {
		p.used[id] = true
		return id
	}
	p.next++
	p.used[p.next] = true
	if _, seen := p.remap[id]; p.foreign[id] && !seen {
		p.remap[id] = p.next
	}
	return p.next
}

func (p *idPlan) ref(id *int64) *int64 {
	if id == nil {
		return nil
	}
	if n, ok := p.remap[*id]; ok {
		return &n
	}
	return id
}

func putOrAdd(c model.Collection, rec model.Record) model.Mutation {
	if rec.RecordID() > 0 {
		return model.Mutation{Collection: c, Action: model.ActionUpdated, Record: rec}
	}
	return model.Mutation{Collection: c, Action: model.ActionAdded, Record: rec}
}

// uniqueNames keeps the first occurrence of each name and always includes
// the default lists.
func uniqueNames(names []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, n := range append(model.DefaultLists(), names...) {
		n = strings.TrimSpace(n)
		if n == "" || n == model.NoList || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func (s *Service) mirrorAll(ctx context.Context) {
	for _, c := range model.Collections() {
		s.store.MirrorNow(ctx, c)
	}
}

func (s *Service) Tasks(ctx context.Context) ([]model.Task, error)   { return s.store.Tasks(ctx) }
func (s *Service) Events(ctx context.Context) ([]model.Event, error) { return s.store.Events(ctx) }
func (s *Service) Habits(ctx context.Context) ([]model.Habit, error) { return s.store.Habits(ctx) }

func (s *Service) Lists(ctx context.Context) ([]string, error) {
	lists, err := s.store.Lists(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(lists))
	for _, l := range lists {
		out = append(out, l.Name)
	}
	return out, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func (s *Service) checkList(ctx context.Context, name string) error {
	if name == "" || name == model.NoList {
		return nil
	}
	names, err := s.Lists(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		if n == name {
			return nil
		}
	}
	return fmt.Errorf("list %q: %w", name, indexed.ErrNotFound)
}

// AddTask stores a new task and, when toCalendar is set, links it to a
// calendar event.
func (s *Service) AddTask(ctx context.Context, t model.Task, toCalendar bool) (*model.Task, error) {
	t.ID = 0
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return nil, invalid("task title is empty")
	}
	if t.Date != "" && !model.ValidDate(t.Date) {
		return nil, invalid("task date %q is not YYYY-MM-DD", t.Date)
	}
	if t.Reminder != "" && !model.ValidClock(t.Reminder) {
		return nil, invalid("reminder %q is not HH:MM", t.Reminder)
	}
	t.List = strings.TrimSpace(t.List)
	if t.List == "" {
		t.List = model.DefaultLists()[0]
	}
	if err := s.checkList(ctx, t.List); err != nil {
		return nil, err
	}
	if t.Subtasks == nil {
		t.Subtasks = []model.Subtask{}
	}
	t.CreatedAt = s.now().UTC()
	t.AssociatedEventID, t.HasAssociatedEvent = nil, false
	t.SourceEventID, t.CreatedFromEvent = nil, false

	if _, err := s.store.Add(ctx, model.CollectionTasks, &t); err != nil {
		return nil, err
	}
	if toCalendar {
		if _, err := s.linker.LinkTaskToEvent(ctx, &t); err != nil {
			return &t, err
		}
	}
	return &t, nil
}

// TaskPatch carries optional field updates; nil fields are left alone.
type TaskPatch struct {
	Title       *string
	Description *string
	Date        *string
	Reminder    *string
	Priority    *model.Priority
	List        *string
	Completed   *bool
}

// UpdateTask applies patch and re-syncs the linked calendar event.
func (s *Service) UpdateTask(ctx context.Context, id int64, patch TaskPatch) (*model.Task, error) {
	t, err := s.store.Task(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Title != nil {
		if strings.TrimSpace(*patch.Title) == "" {
			return nil, invalid("task title is empty")
		}
		t.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Date != nil {
		if *patch.Date != "" && !model.ValidDate(*patch.Date) {
			return nil, invalid("task date %q is not YYYY-MM-DD", *patch.Date)
		}
		t.Date = *patch.Date
	}
	if patch.Reminder != nil {
		if *patch.Reminder != "" && !model.ValidClock(*patch.Reminder) {
			return nil, invalid("reminder %q is not HH:MM", *patch.Reminder)
		}
		t.Reminder = *patch.Reminder
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.List != nil {
		name := strings.TrimSpace(*patch.List)
		if err := s.checkList(ctx, name); err != nil {
			return nil, err
		}
		if name == "" {
			name = model.NoList
		}
		t.List = name
	}
	if patch.Completed != nil {
		t.Completed = *patch.Completed
	}

	if err := s.store.Update(ctx, model.CollectionTasks, &t); err != nil {
		return nil, err
	}
	if t.HasAssociatedEvent || t.AssociatedEventID != nil {
		if t.Date == "" {
			s.logger.Printf("planner: task %d lost its date; linked event left unchanged", t.ID)
		} else if _, err := s.linker.LinkTaskToEvent(ctx, &t); err != nil {
			return &t, err
		}
	}
	return &t, nil
}

func (s *Service) CompleteTask(ctx context.Context, id int64, done bool) (*model.Task, error) {
	return s.UpdateTask(ctx, id, TaskPatch{Completed: &done})
}

// LinkTask puts the task on the calendar (or refreshes its event).
func (s *Service) LinkTask(ctx context.Context, id int64) (*model.Event, error) {
	t, err := s.store.Task(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.linker.LinkTaskToEvent(ctx, &t)
}

func (s *Service) DeleteTask(ctx context.Context, id int64) (cascade.Summary, error) {
	p, err := s.cascade.DeleteTask(ctx, id)
	return p.Summary(), err
}

// AddEvent stores a local event and, when asTask is set, derives a task.
func (s *Service) AddEvent(ctx context.Context, ev model.Event, asTask bool) (*model.Event, error) {
	ev.ID = 0
	ev.Title = strings.TrimSpace(ev.Title)
	if ev.Title == "" {
		return nil, invalid("event title is empty")
	}
	if !model.ValidDate(ev.Date) {
		return nil, invalid("event date %q is not YYYY-MM-DD", ev.Date)
	}
	if ev.EndDate == "" {
		ev.EndDate = ev.Date
	}
	if !model.ValidDate(ev.EndDate) || ev.EndDate < ev.Date {
		return nil, invalid("event end date %q is before %q", ev.EndDate, ev.Date)
	}
	for _, c := range []string{ev.Time, ev.EndTime} {
		if c != "" && !model.ValidClock(c) {
			return nil, invalid("time %q is not HH:MM", c)
		}
	}
	if ev.List != nil {
		name := strings.TrimSpace(*ev.List)
		if name == "" || name == model.NoList {
			ev.List = nil
		} else if err := s.checkList(ctx, name); err != nil {
			return nil, err
		} else {
			ev.List = &name
		}
	}
	ev.AssociatedTaskID, ev.SourceTaskID, ev.CreatedFromTask = nil, nil, false

	if _, err := s.store.Add(ctx, model.CollectionEvents, &ev); err != nil {
		return nil, err
	}
	if asTask {
		if _, err := s.linker.LinkEventToTask(ctx, &ev); err != nil {
			return &ev, err
		}
	}
	return &ev, nil
}

// LinkEvent adds the event as a task (or refreshes the derived task).
func (s *Service) LinkEvent(ctx context.Context, id int64) (*model.Task, error) {
	ev, err := s.store.Event(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.linker.LinkEventToTask(ctx, &ev)
}

func (s *Service) DeleteEvent(ctx context.Context, id int64) (cascade.Summary, error) {
	p, err := s.cascade.DeleteEvent(ctx, id)
	return p.Summary(), err
}

func (s *Service) AddHabit(ctx context.Context, h model.Habit) (*model.Habit, error) {
	h.ID = 0
	h.Title = strings.TrimSpace(h.Title)
	if h.Title == "" {
		return nil, invalid("habit title is empty")
	}
	if h.Category == "" {
		h.Category = "General"
	}
	if h.Frequency == "" {
		h.Frequency = "daily"
	}
	if h.Target <= 0 {
		h.Target = 1
	}
	if h.Unit == "" {
		h.Unit = "times"
	}
	if h.Completions == nil {
		h.Completions = map[string]bool{}
	}
	h.IsActive = true
	h.SourceTaskID = nil
	h.RecomputeStreaks(s.now())
	if _, err := s.store.Add(ctx, model.CollectionHabits, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// HabitFromTask converts a task into a habit (or refreshes the existing one).
func (s *Service) HabitFromTask(ctx context.Context, taskID int64) (*model.Habit, error) {
	t, err := s.store.Task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.linker.LinkTaskToHabit(ctx, &t)
}

// ToggleHabit flips the completion for day (today when empty).
func (s *Service) ToggleHabit(ctx context.Context, id int64, day string) (*model.Habit, error) {
	if day == "" {
		day = s.now().Format(model.DateLayout)
	}
	if !model.ValidDate(day) {
		return nil, invalid("day %q is not YYYY-MM-DD", day)
	}
	h, err := s.store.Habit(ctx, id)
	if err != nil {
		return nil, err
	}
	h.ToggleCompletion(day, s.now())
	if err := s.store.Update(ctx, model.CollectionHabits, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *Service) DeleteHabit(ctx context.Context, id int64) (cascade.Summary, error) {
	p, err := s.cascade.DeleteHabit(ctx, id)
	return p.Summary(), err
}

func (s *Service) AddList(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return cascade.ErrEmptyName
	}
	if name == model.NoList {
		return fmt.Errorf("%w: %q", cascade.ErrListExists, name)
	}
	names, err := s.Lists(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		if n == name {
			return fmt.Errorf("%w: %q", cascade.ErrListExists, name)
		}
	}
	_, err = s.store.Add(ctx, model.CollectionLists, &model.List{Name: name})
	return err
}

func (s *Service) RenameList(ctx context.Context, from, to string) (cascade.Summary, error) {
	p, err := s.cascade.RenameList(ctx, from, to)
	return p.Summary(), err
}

func (s *Service) DeleteList(ctx context.Context, name string) (cascade.Summary, error) {
	p, err := s.cascade.DeleteList(ctx, name)
	return p.Summary(), err
}

func (s *Service) Export() model.Export { return s.flat.Export(s.now()) }

func (s *Service) Stats() (flatstore.Stats, error) { return s.flat.Stats() }

func (s *Service) Doctor(ctx context.Context) (link.Report, error) { return s.linker.Check(ctx) }

type reloader interface {
	Reload() (bool, error)
}

// Resync picks up writes made by other processes: the key-value file is
// re-read, every collection is pulled from the indexed store into the flat
// mirror, and a synced change is emitted per collection.
func (s *Service) Resync(ctx context.Context) error {
	if r, ok := s.kv.(reloader); ok {
		if changed, err := r.Reload(); err != nil {
			return err
		} else if changed {
			s.logger.Printf("planner: storage changed on disk; reloaded")
		}
	}
	for _, c := range model.Collections() {
		recs, err := s.store.GetAll(ctx, c)
		if err != nil {
			return err
		}
		if err := s.flat.MirrorCollection(c, recs); err != nil {
			return err
		}
		s.bus.Emit(model.Change{Collection: c, Action: model.ActionSynced, Record: recs})
	}
	return nil
}
