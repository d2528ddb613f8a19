// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package timeutil picks one canonical on-disk timestamp representation
// (UTC RFC3339Nano) and converts at the storage boundary. Source data in
// the wild shows up in both a strict UTC ISO form and a local-sortable
// "YYYY-MM-DD HH:MM:SS" form; Parse accepts both. The registry's due-user
// query and the speed-history window and prune queries compare the stored
// strings in SQL. RFC3339Nano drops trailing fractional zeros, so those
// comparisons order canonical strings correctly only to the whole second,
// and a legacy-form string does not compare correctly against a canonical one.
package timeutil

import "time"

const layout = time.RFC3339Nano

// Format renders t for storage. The zero time formats to the empty string
// so callers can round-trip a nil *time.Time through a nullable column.
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(layout)
}

// FormatPtr is Format for a *time.Time, returning "" for nil.
func FormatPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return Format(*t)
}

// Parse reads a stored timestamp, accepting the canonical RFC3339Nano form
// and falling back to the legacy local-sortable form still present in
// older rows.
func Parse(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(layout, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

// ParsePtr is Parse returning nil for an empty/absent value.
func ParsePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := Parse(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
