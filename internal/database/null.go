package database

import (
	"database/sql"
	"encoding/json"
	"time"
)

// nullTimeToPtr converts a sql.NullTime to a pointer (nil if not valid)
func nullTimeToPtr(n sql.NullTime) *time.Time {
	if n.Valid {
		return &n.Time
	}
	return nil
}

// nullStringValue converts a sql.NullString to a string (empty if not valid)
func nullStringValue(n sql.NullString) string {
	if n.Valid {
		return n.String
	}
	return ""
}

// nullIfEmpty maps an empty string to NULL
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullIfZero maps a zero id or year to NULL
func nullIfZero(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

// marshalToPtr marshals a value to JSON and returns a pointer to the string
// Returns nil if the value is nil
func marshalToPtr(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

// unmarshalFromNullString unmarshal JSON from a sql.NullString into a value
// If the string is not valid or empty, does nothing and returns nil
func unmarshalFromNullString(data sql.NullString, v any) error {
	if !data.Valid || data.String == "" || data.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(data.String), v)
}
