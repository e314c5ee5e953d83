package sqlstore

import (
	"fmt"
	"strconv"
	"time"
)

type dialect struct {
	name    string
	timeArg func(time.Time) any
}

// sqliteTimeFormat has a fixed width so that text timestamps order the same
// way as the instants they denote.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

var (
	postgresDialect = dialect{
		name:    "postgres",
		timeArg: func(t time.Time) any { return t.UTC() },
	}
	sqliteDialect = dialect{
		name:    "sqlite",
		timeArg: func(t time.Time) any { return t.UTC().Format(sqliteTimeFormat) },
	}
)

// dbTime scans a timestamp column from either dialect: lib/pq yields
// time.Time, SQLite yields the text written by sqliteDialect.
type dbTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	sqliteTimeFormat,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case int64:
		t.Time, t.Valid = time.Unix(v, 0).UTC(), true
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
}

func (t *dbTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time, t.Valid = time.Unix(secs, 0).UTC(), true
		return nil
	}
	return fmt.Errorf("cannot parse timestamp %q", s)
}

func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
