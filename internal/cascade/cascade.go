// Package cascade removes or detaches the counterparts of a deleted entity.
//
// Every operation runs in two phases. Plan* reads the collections and returns
// the mutations the delete implies; Execute commits them. Repositories that
// implement Atomic get the whole plan in one transaction. Others get a
// best-effort sequence: counterparts first, failures logged, primary last.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"plansync/internal/indexed"
	"plansync/internal/model"
)

var (
	ErrProtectedList = errors.New("default lists cannot be changed")
	ErrListExists    = errors.New("list already exists")
	ErrEmptyName     = errors.New("list name is empty")
)

type Repository interface {
	Tasks(ctx context.Context) ([]model.Task, error)
	Events(ctx context.Context) ([]model.Event, error)
	Habits(ctx context.Context) ([]model.Habit, error)
	Lists(ctx context.Context) ([]model.List, error)
	Update(ctx context.Context, c model.Collection, rec model.Record) error
	Remove(ctx context.Context, c model.Collection, id int64) error
}

// Atomic is implemented by repositories that can commit a batch of mutations
// across collections in one transaction.
type Atomic interface {
	Apply(ctx context.Context, muts []model.Mutation) error
}

// Ref names one record.
type Ref struct {
	Collection model.Collection `json:"collection"`
	ID         int64            `json:"id"`
}

// Plan is the set of mutations a delete or rename implies. Counterparts are
// deleted, Detach clears references held by survivors, Primary is the
// requested change itself.
type Plan struct {
	Counterparts []model.Mutation
	Detach       []model.Mutation
	Primary      *model.Mutation
}

// Mutations returns the plan in execution order.
func (p Plan) Mutations() []model.Mutation {
	out := make([]model.Mutation, 0, len(p.Counterparts)+len(p.Detach)+1)
	out = append(out, p.Counterparts...)
	out = append(out, p.Detach...)
	if p.Primary != nil {
		out = append(out, *p.Primary)
	}
	return out
}

type Summary struct {
	Deleted  []Ref `json:"deleted"`
	Detached []Ref `json:"detached"`
	Updated  []Ref `json:"updated"`
}

func (p Plan) Summary() Summary {
	s := Summary{Deleted: []Ref{}, Detached: []Ref{}, Updated: []Ref{}}
	for _, m := range p.Counterparts {
		s.Deleted = append(s.Deleted, Ref{Collection: m.Collection, ID: m.ID})
	}
	for _, m := range p.Detach {
		s.Detached = append(s.Detached, Ref{Collection: m.Collection, ID: m.Record.RecordID()})
	}
	if p.Primary != nil {
		switch p.Primary.Action {
		case model.ActionDeleted:
			s.Deleted = append(s.Deleted, Ref{Collection: p.Primary.Collection, ID: p.Primary.ID})
		default:
			s.Updated = append(s.Updated, Ref{Collection: p.Primary.Collection, ID: p.Primary.Record.RecordID()})
		}
	}
	return s
}

type Engine struct {
	repo   Repository
	logger *log.Logger
}

func New(repo Repository, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{repo: repo, logger: logger}
}

func (e *Engine) DeleteTask(ctx context.Context, id int64) (Plan, error) {
	p, err := e.PlanTaskDelete(ctx, id)
	if err != nil {
		return p, err
	}
	return p, e.Execute(ctx, p)
}

func (e *Engine) DeleteEvent(ctx context.Context, id int64) (Plan, error) {
	p, err := e.PlanEventDelete(ctx, id)
	if err != nil {
		return p, err
	}
	return p, e.Execute(ctx, p)
}

func (e *Engine) DeleteHabit(ctx context.Context, id int64) (Plan, error) {
	p, err := e.PlanHabitDelete(ctx, id)
	if err != nil {
		return p, err
	}
	return p, e.Execute(ctx, p)
}

func (e *Engine) DeleteList(ctx context.Context, name string) (Plan, error) {
	p, err := e.PlanListDelete(ctx, name)
	if err != nil {
		return p, err
	}
	return p, e.Execute(ctx, p)
}

func (e *Engine) RenameList(ctx context.Context, from, to string) (Plan, error) {
	p, err := e.PlanListRename(ctx, from, to)
	if err != nil {
		return p, err
	}
	return p, e.Execute(ctx, p)
}

// Execute commits p. With an Atomic repository either every mutation lands or
// none does. Otherwise each step is attempted in order and failures are
// logged and joined into the returned error.
func (e *Engine) Execute(ctx context.Context, p Plan) error {
	muts := p.Mutations()
	if len(muts) == 0 {
		return nil
	}
	if a, ok := e.repo.(Atomic); ok {
		if err := a.Apply(ctx, muts); err != nil {
			e.logger.Printf("cascade: atomic apply of %d mutations: %v", len(muts), err)
			return err
		}
		return nil
	}

	var errs []error
	for _, m := range muts {
		if err := e.step(ctx, m); err != nil {
			if errors.Is(err, indexed.ErrNotFound) && m.Action == model.ActionDeleted {
				e.logger.Printf("cascade: %v (already gone)", err)
				continue
			}
			e.logger.Printf("cascade: %s %s: %v", m.Action, m.Collection, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) step(ctx context.Context, m model.Mutation) error {
	switch m.Action {
	case model.ActionDeleted:
		return e.repo.Remove(ctx, m.Collection, m.ID)
	case model.ActionUpdated:
		return e.repo.Update(ctx, m.Collection, m.Record)
	default:
		return fmt.Errorf("cascade: unsupported action %q", m.Action)
	}
}

type snapshot struct {
	tasks  []model.Task
	events []model.Event
	habits []model.Habit
}

func (e *Engine) load(ctx context.Context) (snapshot, error) {
	var s snapshot
	var err error
	if s.tasks, err = e.repo.Tasks(ctx); err != nil {
		return s, fmt.Errorf("load tasks: %w", err)
	}
	if s.events, err = e.repo.Events(ctx); err != nil {
		return s, fmt.Errorf("load events: %w", err)
	}
	if s.habits, err = e.repo.Habits(ctx); err != nil {
		return s, fmt.Errorf("load habits: %w", err)
	}
	return s, nil
}

// PlanTaskDelete deletes every event linked to or derived from the task and
// detaches habits converted from it.
func (e *Engine) PlanTaskDelete(ctx context.Context, id int64) (Plan, error) {
	s, err := e.load(ctx)
	if err != nil {
		return Plan{}, err
	}
	var task *model.Task
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			task = &s.tasks[i]
			break
		}
	}
	if task == nil {
		return Plan{}, indexed.NotFoundError{Collection: model.CollectionTasks, ID: id}
	}

	deadTasks := map[int64]bool{id: true}
	deadEvents := map[int64]bool{}
	var p Plan
	for _, ev := range s.events {
		if ev.Kind() != model.EventLocal {
			continue
		}
		if ev.ReferencesTask(id) || model.IDEquals(task.AssociatedEventID, ev.ID) {
			deadEvents[ev.ID] = true
			p.Counterparts = append(p.Counterparts, deleteOf(model.CollectionEvents, ev.ID))
		}
	}
	p.Detach = detachSurvivors(s, deadTasks, deadEvents)
	primary := deleteOf(model.CollectionTasks, id)
	p.Primary = &primary
	return p, nil
}

// PlanEventDelete deletes every task linked to or derived from the event.
func (e *Engine) PlanEventDelete(ctx context.Context, id int64) (Plan, error) {
	s, err := e.load(ctx)
	if err != nil {
		return Plan{}, err
	}
	var ev *model.Event
	for i := range s.events {
		if s.events[i].ID == id {
			ev = &s.events[i]
			break
		}
	}
	if ev == nil {
		return Plan{}, indexed.NotFoundError{Collection: model.CollectionEvents, ID: id}
	}

	deadTasks := map[int64]bool{}
	deadEvents := map[int64]bool{id: true}
	var p Plan
	for _, t := range s.tasks {
		if model.IDEquals(t.SourceEventID, id) || model.IDEquals(t.AssociatedEventID, id) ||
			model.IDEquals(ev.AssociatedTaskID, t.ID) || model.IDEquals(ev.SourceTaskID, t.ID) {
			deadTasks[t.ID] = true
			p.Counterparts = append(p.Counterparts, deleteOf(model.CollectionTasks, t.ID))
		}
	}
	p.Detach = detachSurvivors(s, deadTasks, deadEvents)
	primary := deleteOf(model.CollectionEvents, id)
	p.Primary = &primary
	return p, nil
}

func (e *Engine) PlanHabitDelete(ctx context.Context, id int64) (Plan, error) {
	habits, err := e.repo.Habits(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("load habits: %w", err)
	}
	for _, h := range habits {
		if h.ID == id {
			primary := deleteOf(model.CollectionHabits, id)
			return Plan{Primary: &primary}, nil
		}
	}
	return Plan{}, indexed.NotFoundError{Collection: model.CollectionHabits, ID: id}
}

// PlanListDelete removes the list and points its members at no list. Tasks
// fall back to model.NoList, events to nil.
func (e *Engine) PlanListDelete(ctx context.Context, name string) (Plan, error) {
	name = strings.TrimSpace(name)
	if model.IsDefaultList(name) {
		return Plan{}, fmt.Errorf("%w: %q", ErrProtectedList, name)
	}
	list, err := e.findList(ctx, name)
	if err != nil {
		return Plan{}, err
	}
	s, err := e.load(ctx)
	if err != nil {
		return Plan{}, err
	}

	var p Plan
	for _, t := range s.tasks {
		if t.List == name {
			t.List = model.NoList
			p.Detach = append(p.Detach, updateOf(model.CollectionTasks, &t))
		}
	}
	for _, ev := range s.events {
		if ev.List != nil && *ev.List == name {
			ev.List = nil
			p.Detach = append(p.Detach, updateOf(model.CollectionEvents, &ev))
		}
	}
	primary := deleteOf(model.CollectionLists, list.ID)
	p.Primary = &primary
	return p, nil
}

// PlanListRename renames a list and rewrites every task and event that
// references it by name.
func (e *Engine) PlanListRename(ctx context.Context, from, to string) (Plan, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if to == "" {
		return Plan{}, ErrEmptyName
	}
	if model.IsDefaultList(from) {
		return Plan{}, fmt.Errorf("%w: %q", ErrProtectedList, from)
	}
	if from == to {
		return Plan{}, nil
	}
	if to == model.NoList {
		return Plan{}, fmt.Errorf("%w: %q", ErrListExists, to)
	}
	lists, err := e.repo.Lists(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("load lists: %w", err)
	}
	var list *model.List
	for i := range lists {
		switch lists[i].Name {
		case to:
			return Plan{}, fmt.Errorf("%w: %q", ErrListExists, to)
		case from:
			list = &lists[i]
		}
	}
	if list == nil {
		return Plan{}, fmt.Errorf("list %q: %w", from, indexed.ErrNotFound)
	}
	s, err := e.load(ctx)
	if err != nil {
		return Plan{}, err
	}

	var p Plan
	for _, t := range s.tasks {
		if t.List == from {
			t.List = to
			p.Detach = append(p.Detach, updateOf(model.CollectionTasks, &t))
		}
	}
	for _, ev := range s.events {
		if ev.List != nil && *ev.List == from {
			name := to
			ev.List = &name
			p.Detach = append(p.Detach, updateOf(model.CollectionEvents, &ev))
		}
	}
	renamed := *list
	renamed.Name = to
	primary := updateOf(model.CollectionLists, &renamed)
	p.Primary = &primary
	return p, nil
}

func (e *Engine) findList(ctx context.Context, name string) (model.List, error) {
	lists, err := e.repo.Lists(ctx)
	if err != nil {
		return model.List{}, fmt.Errorf("load lists: %w", err)
	}
	for _, l := range lists {
		if l.Name == name {
			return l, nil
		}
	}
	return model.List{}, fmt.Errorf("list %q: %w", name, indexed.ErrNotFound)
}

// detachSurvivors clears references held by records that outlive the delete
// but point at a record that does not.
func detachSurvivors(s snapshot, deadTasks, deadEvents map[int64]bool) []model.Mutation {
	dead := func(set map[int64]bool, ref *int64) bool { return ref != nil && set[*ref] }

	var out []model.Mutation
	for _, t := range s.tasks {
		if deadTasks[t.ID] {
			continue
		}
		changed := false
		if dead(deadEvents, t.AssociatedEventID) {
			t.AssociatedEventID = nil
			t.HasAssociatedEvent = false
			changed = true
		}
		if dead(deadEvents, t.SourceEventID) {
			t.SourceEventID = nil
			t.CreatedFromEvent = false
			changed = true
		}
		if changed {
			out = append(out, updateOf(model.CollectionTasks, &t))
		}
	}
	for _, ev := range s.events {
		if deadEvents[ev.ID] {
			continue
		}
		changed := false
		if dead(deadTasks, ev.AssociatedTaskID) {
			ev.AssociatedTaskID = nil
			changed = true
		}
		if dead(deadTasks, ev.SourceTaskID) {
			ev.SourceTaskID = nil
			ev.CreatedFromTask = false
			changed = true
		}
		if changed {
			out = append(out, updateOf(model.CollectionEvents, &ev))
		}
	}
	for _, h := range s.habits {
		if dead(deadTasks, h.SourceTaskID) {
			h.SourceTaskID = nil
			out = append(out, updateOf(model.CollectionHabits, &h))
		}
	}
	return out
}

func deleteOf(c model.Collection, id int64) model.Mutation {
	return model.Mutation{Collection: c, Action: model.ActionDeleted, ID: id}
}

func updateOf(c model.Collection, rec model.Record) model.Mutation {
	return model.Mutation{Collection: c, Action: model.ActionUpdated, Record: rec}
}
