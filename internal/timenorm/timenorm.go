// Package timenorm lifts naive or offset-bearing date/time strings into the
// user's IANA zone and renders them in RFC 3339 with an explicit offset.
package timenorm

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // zone database is embedded so Lambda images need no zoneinfo

	"github.com/araddon/dateparse"

	"github.com/jun/calvoice/internal/logging"
)

var (
	ErrInvalidTime = errors.New("invalid time")
	ErrUnknownZone = errors.New("unknown time zone")
)

const DateLayout = "2006-01-02"

// Layouts without an offset; read as wall clock in the user zone.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	DateLayout,
}

// Layouts carrying an offset; converted into the user zone.
var awareLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05 -0700",
}

// LoadZone resolves an IANA zone name. Unknown or empty names yield UTC along
// with an error wrapping ErrUnknownZone.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "Local" {
		return time.UTC, fmt.Errorf("%w: %q", ErrUnknownZone, name)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC, fmt.Errorf("%w: %q", ErrUnknownZone, name)
	}
	return loc, nil
}

// ValidZone reports whether name is a zone in the embedded database.
func ValidZone(name string) bool {
	_, err := LoadZone(name)
	return err == nil
}

// Parse resolves value to an instant expressed in zone. When zone is unknown
// the result is in UTC and the returned error wraps ErrUnknownZone; callers
// may keep the time and carry on.
func Parse(value, zone string) (time.Time, error) {
	loc, zoneErr := LoadZone(zone)
	if zoneErr != nil {
		logging.Warn("falling back to UTC", "zone", zone)
	}

	t, err := parseIn(value, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t, zoneErr
}

// Normalize is Parse followed by RFC 3339 formatting with an explicit offset.
func Normalize(value, zone string) (string, error) {
	t, err := Parse(value, zone)
	if t.IsZero() {
		return "", err
	}
	return Format(t), err
}

// ParseDate returns the calendar date (YYYY-MM-DD) of value in zone.
func ParseDate(value, zone string) (string, error) {
	t, err := Parse(value, zone)
	if t.IsZero() {
		return "", err
	}
	return t.Format(DateLayout), err
}

// Format renders t in RFC 3339 keeping its location's offset.
func Format(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// IsDateOnly reports whether value is a bare YYYY-MM-DD date.
func IsDateOnly(value string) bool {
	_, err := time.Parse(DateLayout, strings.TrimSpace(value))
	return err == nil
}

func parseIn(value string, loc *time.Location) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, fmt.Errorf("%w: empty value", ErrInvalidTime)
	}

	for _, layout := range awareLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.In(loc), nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}

	// Model output is occasionally looser than the layouts above
	// ("March 11 2024 9:00", "2024/03/11 09:00").
	t, err := dateparse.ParseIn(v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, v)
	}
	return t.In(loc), nil
}
