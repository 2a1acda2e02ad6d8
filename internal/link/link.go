// Package link derives calendar events, tasks and habits from one another and
// keeps the back-references on both sides in agreement.
//
// Every Link* call looks for an existing counterpart through its
// back-reference before creating one, so repeated calls converge on exactly
// one counterpart per source entity and derivation kind.
package link

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"plansync/internal/model"
)

var (
	ErrNoDate        = errors.New("task has no date")
	ErrExternalEvent = errors.New("external events cannot be linked")
	ErrUnsaved       = errors.New("record has not been stored yet")
)

type Repository interface {
	Tasks(ctx context.Context) ([]model.Task, error)
	Events(ctx context.Context) ([]model.Event, error)
	Habits(ctx context.Context) ([]model.Habit, error)
	Lists(ctx context.Context) ([]model.List, error)
	Add(ctx context.Context, c model.Collection, rec model.Record) (int64, error)
	Update(ctx context.Context, c model.Collection, rec model.Record) error
	Remove(ctx context.Context, c model.Collection, id int64) error
}

type Linker struct {
	repo   Repository
	logger *log.Logger
	now    func() time.Time
}

func New(repo Repository, logger *log.Logger) *Linker {
	if logger == nil {
		logger = log.Default()
	}
	return &Linker{repo: repo, logger: logger, now: time.Now}
}

// SetClock overrides the time source used for createdAt stamps.
func (l *Linker) SetClock(now func() time.Time) { l.now = now }

// LinkTaskToEvent creates or refreshes the calendar event mirroring task and
// points task.AssociatedEventID at it. task is updated in place.
func (l *Linker) LinkTaskToEvent(ctx context.Context, task *model.Task) (*model.Event, error) {
	if task == nil || task.ID <= 0 {
		return nil, ErrUnsaved
	}
	if strings.TrimSpace(task.Date) == "" {
		return nil, ErrNoDate
	}
	if !model.ValidDate(task.Date) {
		return nil, fmt.Errorf("%w: invalid date %q", ErrNoDate, task.Date)
	}

	events, err := l.repo.Events(ctx)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	var errs []error
	ev, extras := pickEventForTask(events, task)
	for _, dup := range extras {
		if err := l.dropDuplicateEvent(ctx, dup, task.ID); err != nil {
			errs = append(errs, err)
		}
	}

	if ev != nil {
		if mirrorTaskOntoEvent(task, ev) {
			if err := l.repo.Update(ctx, model.CollectionEvents, ev); err != nil {
				l.logger.Printf("link: update event %d for task %d: %v", ev.ID, task.ID, err)
				errs = append(errs, err)
			}
		}
	} else {
		ev = &model.Event{
			SourceTaskID:    model.ID(task.ID),
			CreatedFromTask: true,
		}
		mirrorTaskOntoEvent(task, ev)
		if _, err := l.repo.Add(ctx, model.CollectionEvents, ev); err != nil {
			return nil, errors.Join(append(errs, fmt.Errorf("create event for task %d: %w", task.ID, err))...)
		}
	}

	if !model.IDEquals(task.AssociatedEventID, ev.ID) || !task.HasAssociatedEvent {
		task.AssociatedEventID = model.ID(ev.ID)
		task.HasAssociatedEvent = true
		if err := l.repo.Update(ctx, model.CollectionTasks, task); err != nil {
			l.logger.Printf("link: update task %d back-reference: %v", task.ID, err)
			errs = append(errs, err)
		}
	}
	return ev, errors.Join(errs...)
}

// LinkEventToTask creates or refreshes the task derived from ev ("add as
// task") and points ev.AssociatedTaskID at it. ev is updated in place.
func (l *Linker) LinkEventToTask(ctx context.Context, ev *model.Event) (*model.Task, error) {
	if ev == nil || ev.ID <= 0 {
		return nil, ErrUnsaved
	}
	switch ev.Kind() {
	case model.EventExternal:
		return nil, ErrExternalEvent
	case model.EventLocal:
	}

	tasks, err := l.repo.Tasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}

	var errs []error
	task, extras := pickTaskForEvent(tasks, ev)
	for _, dup := range extras {
		if err := l.dropDuplicateTask(ctx, dup, ev.ID); err != nil {
			errs = append(errs, err)
		}
	}

	if task != nil {
		if mirrorEventOntoTask(ev, task) {
			if err := l.repo.Update(ctx, model.CollectionTasks, task); err != nil {
				l.logger.Printf("link: update task %d for event %d: %v", task.ID, ev.ID, err)
				errs = append(errs, err)
			}
		}
	} else {
		task = &model.Task{
			List:             model.DefaultLists()[0],
			CreatedAt:        l.now().UTC(),
			Subtasks:         []model.Subtask{},
			SourceEventID:    model.ID(ev.ID),
			CreatedFromEvent: true,
		}
		mirrorEventOntoTask(ev, task)
		if _, err := l.repo.Add(ctx, model.CollectionTasks, task); err != nil {
			return nil, errors.Join(append(errs, fmt.Errorf("create task for event %d: %w", ev.ID, err))...)
		}
	}

	if !model.IDEquals(ev.AssociatedTaskID, task.ID) {
		ev.AssociatedTaskID = model.ID(task.ID)
		if err := l.repo.Update(ctx, model.CollectionEvents, ev); err != nil {
			l.logger.Printf("link: update event %d back-reference: %v", ev.ID, err)
			errs = append(errs, err)
		}
	}
	return task, errors.Join(errs...)
}

// LinkTaskToHabit converts task into a habit, or refreshes the habit already
// derived from it. Duplicate derived habits are merged into the oldest one.
func (l *Linker) LinkTaskToHabit(ctx context.Context, task *model.Task) (*model.Habit, error) {
	if task == nil || task.ID <= 0 {
		return nil, ErrUnsaved
	}
	habits, err := l.repo.Habits(ctx)
	if err != nil {
		return nil, fmt.Errorf("load habits: %w", err)
	}

	var matches []model.Habit
	for _, h := range habits {
		if model.IDEquals(h.SourceTaskID, task.ID) {
			matches = append(matches, h)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })

	var errs []error
	if len(matches) == 0 {
		h := &model.Habit{
			Title:        task.Title,
			Description:  task.Description,
			Category:     habitCategory(task.List),
			Frequency:    "daily",
			Target:       1,
			Unit:         "times",
			Completions:  map[string]bool{},
			IsActive:     true,
			SourceTaskID: model.ID(task.ID),
		}
		if _, err := l.repo.Add(ctx, model.CollectionHabits, h); err != nil {
			return nil, fmt.Errorf("create habit for task %d: %w", task.ID, err)
		}
		return h, nil
	}

	h := matches[0]
	changed := false
	for _, dup := range matches[1:] {
		for day, done := range dup.Completions {
			if done && !h.Completions[day] {
				if h.Completions == nil {
					h.Completions = map[string]bool{}
				}
				h.Completions[day] = true
				changed = true
			}
		}
		if err := l.repo.Remove(ctx, model.CollectionHabits, dup.ID); err != nil {
			l.logger.Printf("link: remove duplicate habit %d: %v", dup.ID, err)
			errs = append(errs, err)
		}
	}
	if h.Title != task.Title || h.Description != task.Description {
		h.Title = task.Title
		h.Description = task.Description
		changed = true
	}
	if changed {
		h.RecomputeStreaks(l.now())
		if err := l.repo.Update(ctx, model.CollectionHabits, &h); err != nil {
			l.logger.Printf("link: update habit %d: %v", h.ID, err)
			errs = append(errs, err)
		}
	}
	return &h, errors.Join(errs...)
}

// pickEventForTask returns the event to keep for task plus any duplicates.
// Events carrying a back-reference win; otherwise an unclaimed local event
// named by task.AssociatedEventID is adopted.
func pickEventForTask(events []model.Event, task *model.Task) (*model.Event, []model.Event) {
	var matches []model.Event
	for _, ev := range events {
		if ev.Kind() == model.EventLocal && ev.ReferencesTask(task.ID) {
			matches = append(matches, ev)
		}
	}
	if len(matches) == 0 && task.AssociatedEventID != nil {
		for _, ev := range events {
			if ev.ID == *task.AssociatedEventID && ev.Kind() == model.EventLocal && ev.AssociatedTaskID == nil && ev.SourceTaskID == nil {
				matches = append(matches, ev)
			}
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool {
		// Prefer the event the task already points at, then the oldest.
		pi := model.IDEquals(task.AssociatedEventID, matches[i].ID)
		pj := model.IDEquals(task.AssociatedEventID, matches[j].ID)
		if pi != pj {
			return pi
		}
		return matches[i].ID < matches[j].ID
	})
	keep := matches[0]
	return &keep, matches[1:]
}

func pickTaskForEvent(tasks []model.Task, ev *model.Event) (*model.Task, []model.Task) {
	var matches []model.Task
	for _, t := range tasks {
		if model.IDEquals(t.SourceEventID, ev.ID) || model.IDEquals(t.AssociatedEventID, ev.ID) ||
			model.IDEquals(ev.AssociatedTaskID, t.ID) || model.IDEquals(ev.SourceTaskID, t.ID) {
			matches = append(matches, t)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool {
		pi := model.IDEquals(ev.AssociatedTaskID, matches[i].ID) || model.IDEquals(ev.SourceTaskID, matches[i].ID)
		pj := model.IDEquals(ev.AssociatedTaskID, matches[j].ID) || model.IDEquals(ev.SourceTaskID, matches[j].ID)
		if pi != pj {
			return pi
		}
		return matches[i].ID < matches[j].ID
	})
	keep := matches[0]
	return &keep, matches[1:]
}

// dropDuplicateEvent removes an extra event derived from taskID, or clears the
// reference when the event was not derived from the task.
func (l *Linker) dropDuplicateEvent(ctx context.Context, ev model.Event, taskID int64) error {
	if ev.CreatedFromTask && model.IDEquals(ev.SourceTaskID, taskID) {
		if err := l.repo.Remove(ctx, model.CollectionEvents, ev.ID); err != nil {
			l.logger.Printf("link: remove duplicate event %d: %v", ev.ID, err)
			return err
		}
		return nil
	}
	if model.IDEquals(ev.AssociatedTaskID, taskID) {
		ev.AssociatedTaskID = nil
	}
	if model.IDEquals(ev.SourceTaskID, taskID) {
		ev.SourceTaskID = nil
		ev.CreatedFromTask = false
	}
	if err := l.repo.Update(ctx, model.CollectionEvents, &ev); err != nil {
		l.logger.Printf("link: detach event %d: %v", ev.ID, err)
		return err
	}
	return nil
}

func (l *Linker) dropDuplicateTask(ctx context.Context, t model.Task, eventID int64) error {
	if t.CreatedFromEvent && model.IDEquals(t.SourceEventID, eventID) {
		if err := l.repo.Remove(ctx, model.CollectionTasks, t.ID); err != nil {
			l.logger.Printf("link: remove duplicate task %d: %v", t.ID, err)
			return err
		}
		return nil
	}
	if model.IDEquals(t.AssociatedEventID, eventID) {
		t.AssociatedEventID = nil
		t.HasAssociatedEvent = false
	}
	if model.IDEquals(t.SourceEventID, eventID) {
		t.SourceEventID = nil
		t.CreatedFromEvent = false
	}
	if err := l.repo.Update(ctx, model.CollectionTasks, &t); err != nil {
		l.logger.Printf("link: detach task %d: %v", t.ID, err)
		return err
	}
	return nil
}

// mirrorTaskOntoEvent copies the mirrored fields and reports whether ev changed.
func mirrorTaskOntoEvent(task *model.Task, ev *model.Event) bool {
	before := *ev
	ev.Title = task.Title
	ev.Description = task.Description
	ev.Date = task.Date
	if ev.EndDate == "" || ev.EndDate < ev.Date {
		ev.EndDate = ev.Date
	}
	if ev.Time == "" && model.ValidClock(task.Reminder) {
		ev.Time = task.Reminder
	}
	ev.List = listRef(task.List)
	ev.Priority = task.Priority
	ev.AssociatedTaskID = model.ID(task.ID)
	return !sameEvent(before, *ev)
}

func mirrorEventOntoTask(ev *model.Event, task *model.Task) bool {
	before := *task
	task.Title = ev.Title
	task.Description = ev.Description
	task.Date = ev.Date
	if ev.List != nil && *ev.List != "" {
		task.List = *ev.List
	}
	if ev.Priority != model.PriorityNone {
		task.Priority = ev.Priority
	}
	task.AssociatedEventID = model.ID(ev.ID)
	task.HasAssociatedEvent = true
	return !sameTask(before, *task)
}

func listRef(name string) *string {
	name = strings.TrimSpace(name)
	if name == "" || name == model.NoList {
		return nil
	}
	return &name
}

func habitCategory(list string) string {
	list = strings.TrimSpace(list)
	if list == "" || list == model.NoList {
		return "General"
	}
	return list
}

func sameRef(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameEvent(a, b model.Event) bool {
	return a.Title == b.Title && a.Description == b.Description && a.Date == b.Date &&
		a.EndDate == b.EndDate && a.Time == b.Time && sameStr(a.List, b.List) &&
		a.Priority == b.Priority && sameRef(a.AssociatedTaskID, b.AssociatedTaskID) &&
		sameRef(a.SourceTaskID, b.SourceTaskID) && a.CreatedFromTask == b.CreatedFromTask
}

func sameTask(a, b model.Task) bool {
	return a.Title == b.Title && a.Description == b.Description && a.Date == b.Date &&
		a.List == b.List && a.Priority == b.Priority &&
		sameRef(a.AssociatedEventID, b.AssociatedEventID) && a.HasAssociatedEvent == b.HasAssociatedEvent &&
		sameRef(a.SourceEventID, b.SourceEventID) && a.CreatedFromEvent == b.CreatedFromEvent
}
