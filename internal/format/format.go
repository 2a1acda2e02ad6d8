// Package format renders command results as JSON or EDN envelopes.
package format

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	JSON = "json"
	EDN  = "edn"
)

// Envelope is the top-level shape of every command result.
type Envelope struct {
	Data any            `json:"data"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Validate reports whether name is a supported output format.
func Validate(name string) error {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", JSON, EDN:
		return nil
	default:
		return fmt.Errorf("unknown format: %s (want json or edn)", name)
	}
}

// Write renders v in the named format. An empty name means JSON.
func Write(w io.Writer, v any, name string, pretty bool) error {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", JSON:
		return writeJSON(w, v, pretty)
	case EDN:
		return writeEDN(w, v, pretty)
	default:
		return Validate(name)
	}
}

func writeJSON(w io.Writer, v any, pretty bool) error {
	var (
		b   []byte
		err error
	)
	if pretty {
		b, err = json.MarshalIndent(v, "", "  ")
	} else {
		b, err = json.Marshal(v)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
