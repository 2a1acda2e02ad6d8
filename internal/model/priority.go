package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority is low|medium|high; the empty value encodes as JSON null.
type Priority string

const (
	PriorityNone   Priority = ""
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "null":
		return PriorityNone, nil
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	default:
		return "", fmt.Errorf("invalid priority: %q (expected low|medium|high)", s)
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	if p == PriorityNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(p))
}

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// ValidDate accepts YYYY-MM-DD calendar dates.
func ValidDate(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// ValidClock accepts HH:MM 24h times.
func ValidClock(s string) bool {
	_, err := time.Parse(TimeLayout, s)
	return err == nil
}
