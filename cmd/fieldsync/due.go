package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var dueParser = newDueParser()

func newDueParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// parseDue accepts RFC 3339, a plain date or natural language such as
// "next friday" or "in 3 days". An empty string means no due date; "none"
// clears one.
func parseDue(raw string, now time.Time) (*time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "":
		return nil, false, nil
	case "none", "clear":
		return nil, true, nil
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, true, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", raw, now.Location()); err == nil {
		t = t.UTC()
		return &t, true, nil
	}

	r, err := dueParser.Parse(raw, now)
	if err != nil {
		return nil, false, fmt.Errorf("invalid due date %q: %w", raw, err)
	}
	if r == nil {
		return nil, false, fmt.Errorf("invalid due date %q: use YYYY-MM-DD or e.g. \"next friday\"", raw)
	}
	t := r.Time.UTC()
	return &t, true, nil
}

func formatDue(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
