package mutation

import (
	"errors"
	"strings"
	"time"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/model"
	"github.com/jun/calvoice/internal/timenorm"
)

var (
	// ErrNoOp means the request changes nothing; the event stays as is.
	ErrNoOp = errors.New("no changes")

	ErrInvalidUpdate = &apperr.Error{Kind: apperr.KindInvalidInput, Msg: "invalid update"}
)

func invalid(op, msg string) error {
	return apperr.E(apperr.KindInvalidInput, op, msg, ErrInvalidUpdate)
}

// PlanUpdate builds the minimal patch that applies req to current.
//
// The time block is only touched when a time field is set, and then start and
// end are both sent in full with the opposite shape nulled out. Scalars are
// copied only when present in req.
func PlanUpdate(req *model.UpdateRequest, current *model.Event) (*Patch, error) {
	p := &Patch{}

	if req.HasTimeFields() {
		allDay := current.IsAllDay
		if req.IsAllDay != nil {
			allDay = *req.IsAllDay
		}

		var err error
		if allDay {
			p.Start, p.End, err = allDayUpdate(req, current)
		} else {
			p.Start, p.End, err = timedUpdate(req, current)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := copyScalars(p, (*model.CreateRequest)(req)); err != nil {
		return nil, err
	}

	if p.IsEmpty() {
		return nil, ErrNoOp
	}
	return p, nil
}

func allDayUpdate(req *model.UpdateRequest, current *model.Event) (*TimeBlock, *TimeBlock, error) {
	const op = "mutation.PlanUpdate"
	zone := firstNonEmpty(deref(req.Zone), current.Start.TimeZone, "UTC")

	var startDate string
	switch {
	case req.StartTime != nil:
		d, err := dateIn(*req.StartTime, zone)
		if err != nil {
			return nil, nil, invalid(op, "start_time is not a valid date")
		}
		startDate = d
	case current.Start.Date != "":
		startDate = current.Start.Date
	default:
		d, err := dateIn(current.Start.DateTime, firstNonEmpty(current.Start.TimeZone, zone))
		if err != nil {
			return nil, nil, invalid(op, "current event has no usable start")
		}
		startDate = d
	}

	start, _ := time.Parse(timenorm.DateLayout, startDate)
	endDate := start.AddDate(0, 0, 1).Format(timenorm.DateLayout)
	if req.EndTime != nil {
		d, err := dateIn(*req.EndTime, zone)
		if err != nil {
			return nil, nil, invalid(op, "end_time is not a valid date")
		}
		if d > startDate {
			endDate = d
		}
	}

	return allDayBlock(startDate), allDayBlock(endDate), nil
}

func timedUpdate(req *model.UpdateRequest, current *model.Event) (*TimeBlock, *TimeBlock, error) {
	const op = "mutation.PlanUpdate"

	zone := firstNonEmpty(deref(req.Zone), current.Start.TimeZone)
	if zone == "" {
		return nil, nil, invalid(op, "a time zone is required for a timed event")
	}
	if !timenorm.ValidZone(zone) {
		return nil, nil, invalid(op, "unknown time zone "+zone)
	}

	var start time.Time
	switch {
	case req.StartTime != nil:
		t, err := timenorm.Parse(*req.StartTime, zone)
		if err != nil {
			return nil, nil, invalid(op, "start_time is not a valid time")
		}
		start = t
	case current.IsAllDay:
		return nil, nil, invalid(op, "start_time is required to turn an all-day event into a timed one")
	default:
		t, err := timenorm.Parse(current.Start.DateTime, zone)
		if err != nil {
			return nil, nil, invalid(op, "current event has no usable start")
		}
		start = t
	}

	var end time.Time
	switch {
	case req.EndTime != nil:
		t, err := timenorm.Parse(*req.EndTime, zone)
		if err != nil {
			return nil, nil, invalid(op, "end_time is not a valid time")
		}
		end = t
	case current.IsAllDay:
		end = start.Add(time.Hour)
	default:
		end = start.Add(currentDuration(current, zone))
	}

	if end.Before(start) {
		return nil, nil, invalid(op, "end_time is before start_time")
	}

	return timedBlock(timenorm.Format(start), zone), timedBlock(timenorm.Format(end), zone), nil
}

// BuildInsert turns a create request into an insert body. A date-only start
// without an explicit is_all_day makes an all-day event.
func BuildInsert(req *model.CreateRequest, defaultZone string) (*Patch, error) {
	const op = "mutation.BuildInsert"

	if req.StartTime == nil || strings.TrimSpace(*req.StartTime) == "" {
		return nil, apperr.E(apperr.KindInvalidInput, op, "start_time is required", nil)
	}
	allDay := timenorm.IsDateOnly(*req.StartTime)
	if req.IsAllDay != nil {
		allDay = *req.IsAllDay
	}
	zone := firstNonEmpty(deref(req.Zone), defaultZone)
	if !timenorm.ValidZone(zone) {
		return nil, apperr.E(apperr.KindInvalidInput, op, "unknown time zone "+zone, nil)
	}

	p := &Patch{}
	if allDay {
		startDate, err := dateIn(*req.StartTime, zone)
		if err != nil {
			return nil, apperr.E(apperr.KindInvalidInput, op, "start_time is not a valid date", err)
		}
		start, _ := time.Parse(timenorm.DateLayout, startDate)
		endDate := start.AddDate(0, 0, 1).Format(timenorm.DateLayout)
		if req.EndTime != nil {
			if d, err := dateIn(*req.EndTime, zone); err == nil && d > startDate {
				endDate = d
			}
		}
		p.Start, p.End = allDayBlock(startDate), allDayBlock(endDate)
	} else {
		start, err := timenorm.Parse(*req.StartTime, zone)
		if err != nil {
			return nil, apperr.E(apperr.KindInvalidInput, op, "start_time is not a valid time", err)
		}
		end := start.Add(time.Hour)
		if req.EndTime != nil {
			end, err = timenorm.Parse(*req.EndTime, zone)
			if err != nil {
				return nil, apperr.E(apperr.KindInvalidInput, op, "end_time is not a valid time", err)
			}
		}
		if end.Before(start) {
			return nil, apperr.E(apperr.KindInvalidInput, op, "end_time is before start_time", nil)
		}
		p.Start = timedBlock(timenorm.Format(start), zone)
		p.End = timedBlock(timenorm.Format(end), zone)
	}

	if err := copyScalars(p, req); err != nil {
		return nil, err
	}
	if p.Summary == nil {
		s := "(no title)"
		p.Summary = &s
	}
	return p, nil
}

func copyScalars(p *Patch, req *model.CreateRequest) error {
	p.Summary = req.Summary
	p.Description = req.Description
	p.Location = req.Location
	if req.Recurrence != nil {
		rules, err := ValidateRecurrence(req.Recurrence)
		if err != nil {
			return err
		}
		p.Recurrence = &rules
	}
	return nil
}

func currentDuration(e *model.Event, zone string) time.Duration {
	s, err1 := timenorm.Parse(e.Start.DateTime, firstNonEmpty(e.Start.TimeZone, zone))
	en, err2 := timenorm.Parse(e.End.DateTime, firstNonEmpty(e.End.TimeZone, e.Start.TimeZone, zone))
	if err1 != nil || err2 != nil || en.Before(s) {
		return time.Hour
	}
	return en.Sub(s)
}

// dateIn tolerates an unknown zone; a date does not need one.
func dateIn(value, zone string) (string, error) {
	d, err := timenorm.ParseDate(value, zone)
	if d != "" {
		return d, nil
	}
	return "", err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
