package storage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned when a serialized cursor cannot be parsed
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is a position in an asset stream: the row's updated_at in unix
// milliseconds, tie-broken by the row id.
type Cursor struct {
	UpdatedAtMillis int64
	ID              string
}

// CursorAt returns a cursor positioned before any row updated after t
func CursorAt(t time.Time) Cursor {
	return Cursor{UpdatedAtMillis: t.UnixMilli()}
}

// String serializes the cursor as "<millis>_<id>"
func (c Cursor) String() string {
	return strconv.FormatInt(c.UpdatedAtMillis, 10) + "_" + c.ID
}

// IsZero reports whether the cursor is unset
func (c Cursor) IsZero() bool {
	return c.UpdatedAtMillis == 0 && c.ID == ""
}

// Less orders cursors on (timestamp, id)
func (c Cursor) Less(other Cursor) bool {
	if c.UpdatedAtMillis != other.UpdatedAtMillis {
		return c.UpdatedAtMillis < other.UpdatedAtMillis
	}
	return c.ID < other.ID
}

// Max returns the greater of two cursors
func (c Cursor) Max(other Cursor) Cursor {
	if c.Less(other) {
		return other
	}
	return c
}

// ParseCursor parses a cursor produced by Cursor.String
func ParseCursor(s string) (Cursor, error) {
	s = strings.TrimSpace(s)
	millis, id, ok := strings.Cut(s, "_")
	if !ok {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}
	ms, err := strconv.ParseInt(millis, 10, 64)
	if err != nil || ms < 0 {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}
	return Cursor{UpdatedAtMillis: ms, ID: id}, nil
}
