package link

import (
	"context"
	"fmt"
	"sort"

	"plansync/internal/model"
)

type IssueLevel string

const (
	IssueError IssueLevel = "error"
	IssueWarn  IssueLevel = "warn"
)

type Issue struct {
	Level      IssueLevel       `json:"level"`
	Code       string           `json:"code"`
	Message    string           `json:"message"`
	Collection model.Collection `json:"collection"`
	ID         int64            `json:"id"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

func (r Report) HasErrors() bool {
	for _, it := range r.Issues {
		if it.Level == IssueError {
			return true
		}
	}
	return false
}

// Check scans all collections for dangling or one-sided references.
func (l *Linker) Check(ctx context.Context) (Report, error) {
	tasks, err := l.repo.Tasks(ctx)
	if err != nil {
		return Report{}, err
	}
	events, err := l.repo.Events(ctx)
	if err != nil {
		return Report{}, err
	}
	habits, err := l.repo.Habits(ctx)
	if err != nil {
		return Report{}, err
	}
	lists, err := l.repo.Lists(ctx)
	if err != nil {
		return Report{}, err
	}

	taskByID := map[int64]model.Task{}
	for _, t := range tasks {
		taskByID[t.ID] = t
	}
	eventByID := map[int64]model.Event{}
	for _, ev := range events {
		eventByID[ev.ID] = ev
	}
	listNames := map[string]bool{}
	for _, ls := range lists {
		listNames[ls.Name] = true
	}

	issues := []Issue{}
	add := func(level IssueLevel, code string, c model.Collection, id int64, format string, args ...any) {
		issues = append(issues, Issue{Level: level, Code: code, Collection: c, ID: id, Message: fmt.Sprintf(format, args...)})
	}

	for _, t := range tasks {
		if t.AssociatedEventID != nil {
			ev, ok := eventByID[*t.AssociatedEventID]
			switch {
			case !ok:
				add(IssueError, "dangling_task_event", model.CollectionTasks, t.ID, "task %d points at missing event %d", t.ID, *t.AssociatedEventID)
			case !ev.ReferencesTask(t.ID):
				add(IssueError, "one_sided_task_event", model.CollectionTasks, t.ID, "event %d does not point back at task %d", ev.ID, t.ID)
			}
		}
		if t.SourceEventID != nil {
			if _, ok := eventByID[*t.SourceEventID]; !ok {
				add(IssueError, "dangling_task_source", model.CollectionTasks, t.ID, "task %d was derived from missing event %d", t.ID, *t.SourceEventID)
			}
		}
		if t.List != "" && t.List != model.NoList && !listNames[t.List] {
			add(IssueWarn, "unknown_list", model.CollectionTasks, t.ID, "task %d references unknown list %q", t.ID, t.List)
		}
	}

	derivedPerTask := map[int64]int{}
	for _, ev := range events {
		for _, ref := range []*int64{ev.AssociatedTaskID, ev.SourceTaskID} {
			if ref == nil {
				continue
			}
			if _, ok := taskByID[*ref]; !ok {
				add(IssueError, "dangling_event_task", model.CollectionEvents, ev.ID, "event %d points at missing task %d", ev.ID, *ref)
			}
		}
		if ev.AssociatedTaskID != nil {
			if t, ok := taskByID[*ev.AssociatedTaskID]; ok && !model.IDEquals(t.AssociatedEventID, ev.ID) {
				add(IssueError, "one_sided_event_task", model.CollectionEvents, ev.ID, "task %d does not point back at event %d", t.ID, ev.ID)
			}
		}
		if ev.CreatedFromTask && ev.SourceTaskID != nil {
			derivedPerTask[*ev.SourceTaskID]++
		}
		if ev.List != nil && *ev.List != "" && !listNames[*ev.List] {
			add(IssueWarn, "unknown_list", model.CollectionEvents, ev.ID, "event %d references unknown list %q", ev.ID, *ev.List)
		}
	}
	derivedTasks := make([]int64, 0, len(derivedPerTask))
	for taskID := range derivedPerTask {
		derivedTasks = append(derivedTasks, taskID)
	}
	sort.Slice(derivedTasks, func(i, j int) bool { return derivedTasks[i] < derivedTasks[j] })
	for _, taskID := range derivedTasks {
		if n := derivedPerTask[taskID]; n > 1 {
			add(IssueError, "duplicate_derived_event", model.CollectionTasks, taskID, "task %d has %d derived events", taskID, n)
		}
	}

	for _, h := range habits {
		if h.SourceTaskID == nil {
			continue
		}
		if _, ok := taskByID[*h.SourceTaskID]; !ok {
			add(IssueError, "dangling_habit_task", model.CollectionHabits, h.ID, "habit %d points at missing task %d", h.ID, *h.SourceTaskID)
		}
	}

	return Report{Issues: issues}, nil
}
