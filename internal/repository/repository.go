package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist or is not visible to the caller
	ErrNotFound = errors.New("not found")

	// ErrDailyLimitExceeded is returned when an SMTP account has used its daily allowance
	ErrDailyLimitExceeded = errors.New("daily sending limit exceeded")

	// ErrAccountInactive is returned when an SMTP account is disabled
	ErrAccountInactive = errors.New("smtp account is inactive")
)

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeMeta(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeMeta(s string) map[string]any {
	m := make(map[string]any)
	if s != "" {
		_ = json.Unmarshal([]byte(s), &m)
	}
	return m
}

func encodeStrings(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(list)
	return string(data)
}

func decodeStrings(s string) []string {
	var list []string
	if s != "" {
		_ = json.Unmarshal([]byte(s), &list)
	}
	return list
}
