// Package mutation turns create/update requests into calendar request bodies.
// It is pure: no I/O, no clocks.
package mutation

import (
	"encoding/json"
	"sort"
)

// TimeBlock is a start or end time as sent to the calendar. A nil field of a
// present block is sent as an explicit null, which is how the opposite time
// shape gets cleared on an all-day/timed transition.
type TimeBlock struct {
	Date     *string
	DateTime *string
	TimeZone *string
}

func (b *TimeBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]*string{
		"date":     b.Date,
		"dateTime": b.DateTime,
		"timeZone": b.TimeZone,
	})
}

// AllDay reports whether the block carries a date only.
func (b *TimeBlock) AllDay() bool { return b.Date != nil && b.DateTime == nil }

func allDayBlock(date string) *TimeBlock {
	return &TimeBlock{Date: &date}
}

func timedBlock(dateTime, zone string) *TimeBlock {
	return &TimeBlock{DateTime: &dateTime, TimeZone: &zone}
}

// Patch is a partial event body. Nil fields are absent from the body and
// leave the stored value untouched. A non-nil Recurrence pointing at an
// empty slice clears the rules.
type Patch struct {
	Summary     *string
	Description *string
	Location    *string
	Recurrence  *[]string
	Start       *TimeBlock
	End         *TimeBlock
}

// Fields lists the top-level body fields in the patch, sorted.
func (p *Patch) Fields() []string {
	var out []string
	if p.Summary != nil {
		out = append(out, "summary")
	}
	if p.Description != nil {
		out = append(out, "description")
	}
	if p.Location != nil {
		out = append(out, "location")
	}
	if p.Recurrence != nil {
		out = append(out, "recurrence")
	}
	if p.Start != nil {
		out = append(out, "start")
	}
	if p.End != nil {
		out = append(out, "end")
	}
	sort.Strings(out)
	return out
}

func (p *Patch) IsEmpty() bool { return len(p.Fields()) == 0 }

// MarshalJSON renders the wire body, keeping explicit nulls inside time
// blocks and for cleared recurrence.
func (p *Patch) MarshalJSON() ([]byte, error) {
	body := make(map[string]any)
	if p.Summary != nil {
		body["summary"] = *p.Summary
	}
	if p.Description != nil {
		body["description"] = *p.Description
	}
	if p.Location != nil {
		body["location"] = *p.Location
	}
	if p.Recurrence != nil {
		if len(*p.Recurrence) == 0 {
			body["recurrence"] = nil
		} else {
			body["recurrence"] = *p.Recurrence
		}
	}
	if p.Start != nil {
		body["start"] = p.Start
	}
	if p.End != nil {
		body["end"] = p.End
	}
	return json.Marshal(body)
}

func (p *Patch) clone() *Patch {
	cp := *p
	return &cp
}
