package models

import (
	"fmt"
	"strings"
	"time"
)

// wireTimeLayout is the layout slaves use to format step timestamps on the wire after a leading
// numeric weekday field (0 for Sunday through 6); the whole timestamp follows the strftime
// pattern "%w %m %d %H:%M:%S %Y %z".
const wireTimeLayout = "01 02 15:04:05 2006 -0700"

// ParseWireTime parses a timestamp in the slave wire protocol's layout and converts it to UTC.
func ParseWireTime(s string) (Time, error) {
	weekday, rest, ok := strings.Cut(s, " ")
	if !ok || len(weekday) != 1 || weekday[0] < '0' || weekday[0] > '6' {
		return Time{}, fmt.Errorf("error parsing wire time %q: expected a numeric weekday field", s)
	}
	t, err := time.Parse(wireTimeLayout, rest)
	if err != nil {
		return Time{}, err
	}
	return NewTime(t.UTC()), nil
}

// FormatWireTime renders t using the slave wire protocol's timestamp layout.
func FormatWireTime(t Time) string {
	u := t.UTC()
	return fmt.Sprintf("%d %s", int(u.Weekday()), u.Format(wireTimeLayout))
}
