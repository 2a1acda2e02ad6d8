package model

import (
	"encoding/json"
	"time"
)

type Collection string

const (
	CollectionTasks  Collection = "tasks"
	CollectionEvents Collection = "events"
	CollectionLists  Collection = "lists"
	CollectionHabits Collection = "habits"
)

// Collections lists every managed collection in a stable order.
func Collections() []Collection {
	return []Collection{CollectionTasks, CollectionEvents, CollectionLists, CollectionHabits}
}

// NoList is the list name a task falls back to when its list is deleted.
const NoList = "N/A"

// DefaultLists are seeded for every new user and cannot be deleted.
func DefaultLists() []string {
	return []string{"Personal", "Work", "Shopping"}
}

func IsDefaultList(name string) bool {
	for _, n := range DefaultLists() {
		if n == name {
			return true
		}
	}
	return false
}

type User struct {
	ID          string            `json:"id"`
	Email       string            `json:"email"`
	Name        string            `json:"name"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

type Subtask struct {
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

type Task struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Date        string    `json:"date"`               // YYYY-MM-DD, empty when undated
	Reminder    string    `json:"reminder,omitempty"` // HH:MM
	Priority    Priority  `json:"priority"`
	List        string    `json:"list"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"createdAt"`
	Subtasks    []Subtask `json:"subtasks"`

	AssociatedEventID  *int64 `json:"associatedEventId,omitempty"`
	HasAssociatedEvent bool   `json:"hasAssociatedEvent,omitempty"`
	SourceEventID      *int64 `json:"sourceEventId,omitempty"`
	CreatedFromEvent   bool   `json:"createdFromEvent,omitempty"`
}

// External marks an event mirrored from a third-party calendar. External
// events are regenerated by their source and never linked to tasks.
type External struct {
	Source     ExternalSource `json:"source"`
	CalendarID string         `json:"calendarId,omitempty"`
	Color      string         `json:"color,omitempty"`
}

type ExternalSource string

const (
	SourceGoogle  ExternalSource = "google"
	SourceOutlook ExternalSource = "outlook"
)

type Event struct {
	ID          int64    `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Date        string   `json:"date"`
	Time        string   `json:"time,omitempty"`
	EndDate     string   `json:"endDate"`
	EndTime     string   `json:"endTime,omitempty"`
	List        *string  `json:"list"`
	Priority    Priority `json:"priority,omitempty"`

	AssociatedTaskID *int64 `json:"associatedTaskId,omitempty"`
	SourceTaskID     *int64 `json:"sourceTaskId,omitempty"`
	CreatedFromTask  bool   `json:"createdFromTask,omitempty"`

	// Legacy field (migrated to AssociatedTaskID on read).
	LegacyTaskID *int64 `json:"taskId,omitempty"`

	// Nil for local events.
	*External
}

type EventKind string

const (
	EventLocal    EventKind = "local"
	EventExternal EventKind = "external"
)

func (e Event) Kind() EventKind {
	if e.External != nil && e.External.Source != "" {
		return EventExternal
	}
	return EventLocal
}

// ReferencesTask reports whether the event carries a back-reference to taskID.
func (e Event) ReferencesTask(taskID int64) bool {
	return idEquals(e.SourceTaskID, taskID) || idEquals(e.AssociatedTaskID, taskID) || idEquals(e.LegacyTaskID, taskID)
}

type Habit struct {
	ID           int64           `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Category     string          `json:"category"`
	Frequency    string          `json:"frequency"`
	Target       int             `json:"target"`
	Unit         string          `json:"unit"`
	Completions  map[string]bool `json:"completions"`
	Streak       int             `json:"streak"`
	BestStreak   int             `json:"bestStreak"`
	IsActive     bool            `json:"isActive"`
	SourceTaskID *int64          `json:"sourceTaskId,omitempty"`
}

type List struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Action string

const (
	ActionAdded   Action = "added"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
	ActionSynced  Action = "synced"
)

// Change is the payload delivered to bus listeners.
type Change struct {
	Collection Collection `json:"type"`
	Action     Action     `json:"action"`
	Record     any        `json:"data"`
}

// Mutation is one step of a batch committed across collections.
// Deletes use ID; puts use Record.
type Mutation struct {
	Collection Collection
	Action     Action
	ID         int64
	Record     Record
}

// Record is implemented by pointers to the stored entity types.
type Record interface {
	RecordID() int64
	SetRecordID(id int64)
}

func (t *Task) RecordID() int64       { return t.ID }
func (t *Task) SetRecordID(id int64)  { t.ID = id }
func (e *Event) RecordID() int64      { return e.ID }
func (e *Event) SetRecordID(id int64) { e.ID = id }
func (h *Habit) RecordID() int64      { return h.ID }
func (h *Habit) SetRecordID(id int64) { h.ID = id }
func (l *List) RecordID() int64       { return l.ID }
func (l *List) SetRecordID(id int64)  { l.ID = id }

type Export struct {
	User       ExportUser `json:"user"`
	Data       ExportData `json:"data"`
	ExportDate time.Time  `json:"exportDate"`
}

type ExportUser struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	ID    string `json:"id"`
}

type ExportData struct {
	Tasks  []Task   `json:"tasks"`
	Events []Event  `json:"events"`
	Habits []Habit  `json:"habits"`
	Lists  []string `json:"lists"`
}

func ID(id int64) *int64 { return &id }

func idEquals(p *int64, id int64) bool {
	return p != nil && *p == id
}

// IDEquals reports whether the optional reference p points at id.
func IDEquals(p *int64, id int64) bool { return idEquals(p, id) }

// UnmarshalJSON migrates the legacy taskId reference.
func (e *Event) UnmarshalJSON(b []byte) error {
	type wire Event
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = Event(w)
	if e.AssociatedTaskID == nil && e.LegacyTaskID != nil {
		e.AssociatedTaskID = e.LegacyTaskID
	}
	e.LegacyTaskID = nil
	if e.External != nil && e.External.Source == "" {
		e.External = nil
	}
	return nil
}
