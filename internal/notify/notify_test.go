package notify

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"plansync/internal/cascade"
	"plansync/internal/indexed"
	"plansync/internal/model"
)

func TestMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"wrapped sentinel", fmt.Errorf("delete list: %w", cascade.ErrProtectedList), "Default lists cannot be deleted or renamed."},
		{"not found", indexed.NotFoundError{Collection: model.CollectionTasks, ID: 7}, "No task with id 7."},
		{"joined", errors.Join(errors.New("first"), errors.New("second")), "first"},
		{"plain", errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Message(tt.err); got != tt.want {
				t.Fatalf("Message: got %q want %q", got, tt.want)
			}
		})
	}
}

func TestError_WritesOneLine(t *testing.T) {
	var buf bytes.Buffer
	if err := Error(&buf, errors.Join(errors.New("disk full"), errors.New("detail"))); err != nil {
		t.Fatalf("Error: %v", err)
	}
	out := buf.String()
	if strings.Count(out, "\n") != 1 || !strings.Contains(out, "error:") || !strings.Contains(out, "disk full") {
		t.Fatalf("unexpected output: %q", out)
	}
	if strings.Contains(out, "detail") {
		t.Fatalf("secondary errors must not leak: %q", out)
	}
}
