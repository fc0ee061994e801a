package calendar

import (
	gcal "google.golang.org/api/calendar/v3"

	"github.com/jun/calvoice/internal/model"
	"github.com/jun/calvoice/internal/mutation"
)

func fromAPI(e *gcal.Event) model.Event {
	out := model.Event{
		ID:               e.Id,
		Summary:          e.Summary,
		Description:      e.Description,
		Location:         e.Location,
		RecurringEventID: e.RecurringEventId,
		Recurrence:       e.Recurrence,
		Status:           e.Status,
	}
	if e.Start != nil {
		out.Start = timeFromAPI(e.Start)
	}
	if e.End != nil {
		out.End = timeFromAPI(e.End)
	}
	if e.OriginalStartTime != nil {
		t := timeFromAPI(e.OriginalStartTime)
		out.OriginalStart = &t
	}
	out.IsAllDay = out.Start.IsAllDay()
	return out
}

func timeFromAPI(t *gcal.EventDateTime) model.EventTime {
	return model.EventTime{Date: t.Date, DateTime: t.DateTime, TimeZone: t.TimeZone}
}

// toInsert builds an insert body. Absent fields are simply omitted.
func toInsert(p *mutation.Patch) *gcal.Event {
	e := &gcal.Event{
		Summary:     deref(p.Summary),
		Description: deref(p.Description),
		Location:    deref(p.Location),
	}
	if p.Recurrence != nil {
		e.Recurrence = *p.Recurrence
	}
	if p.Start != nil {
		e.Start = &gcal.EventDateTime{Date: deref(p.Start.Date), DateTime: deref(p.Start.DateTime), TimeZone: deref(p.Start.TimeZone)}
	}
	if p.End != nil {
		e.End = &gcal.EventDateTime{Date: deref(p.End.Date), DateTime: deref(p.End.DateTime), TimeZone: deref(p.End.TimeZone)}
	}
	return e
}

// toPatch builds a patch body. Present-but-empty scalars are force-sent so
// they clear the stored value; nil fields inside a present time block and an
// empty recurrence are sent as explicit nulls.
func toPatch(p *mutation.Patch) *gcal.Event {
	e := &gcal.Event{}
	if p.Summary != nil {
		e.Summary = *p.Summary
		e.ForceSendFields = append(e.ForceSendFields, "Summary")
	}
	if p.Description != nil {
		e.Description = *p.Description
		e.ForceSendFields = append(e.ForceSendFields, "Description")
	}
	if p.Location != nil {
		e.Location = *p.Location
		e.ForceSendFields = append(e.ForceSendFields, "Location")
	}
	if p.Recurrence != nil {
		if len(*p.Recurrence) == 0 {
			e.NullFields = append(e.NullFields, "Recurrence")
		} else {
			e.Recurrence = *p.Recurrence
		}
	}
	if p.Start != nil {
		e.Start = blockToAPI(p.Start)
	}
	if p.End != nil {
		e.End = blockToAPI(p.End)
	}
	return e
}

func blockToAPI(b *mutation.TimeBlock) *gcal.EventDateTime {
	dt := &gcal.EventDateTime{}
	if b.Date != nil {
		dt.Date = *b.Date
	} else {
		dt.NullFields = append(dt.NullFields, "Date")
	}
	if b.DateTime != nil {
		dt.DateTime = *b.DateTime
	} else {
		dt.NullFields = append(dt.NullFields, "DateTime")
	}
	if b.TimeZone != nil {
		dt.TimeZone = *b.TimeZone
	} else {
		dt.NullFields = append(dt.NullFields, "TimeZone")
	}
	return dt
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
