package mutation

import (
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/model"
)

func str(s string) *string { return &s }
func boolp(b bool) *bool   { return &b }

func allDayEvent() *model.Event {
	return &model.Event{
		ID:       "evt1",
		Summary:  "Offsite",
		Start:    model.EventTime{Date: "2024-04-01"},
		End:      model.EventTime{Date: "2024-04-02"},
		IsAllDay: true,
	}
}

func timedEvent() *model.Event {
	return &model.Event{
		ID:      "evt2",
		Summary: "Standup",
		Start:   model.EventTime{DateTime: "2024-04-01T10:00:00+02:00", TimeZone: "Europe/Berlin"},
		End:     model.EventTime{DateTime: "2024-04-01T10:30:00+02:00", TimeZone: "Europe/Berlin"},
	}
}

func TestPlanUpdate_AllDayToTimed(t *testing.T) {
	req := &model.UpdateRequest{
		StartTime: str("2024-04-01T09:00:00"),
		EndTime:   str("2024-04-01T10:00:00"),
		IsAllDay:  boolp(false),
		Zone:      str("Europe/Berlin"),
	}

	p, err := PlanUpdate(req, allDayEvent())
	if err != nil {
		t.Fatalf("PlanUpdate failed: %v", err)
	}

	got, _ := json.Marshal(p)
	want := `{"end":{"date":null,"dateTime":"2024-04-01T10:00:00+02:00","timeZone":"Europe/Berlin"},` +
		`"start":{"date":null,"dateTime":"2024-04-01T09:00:00+02:00","timeZone":"Europe/Berlin"}}`
	if string(got) != want {
		t.Errorf("Expected body\n%s\ngot\n%s", want, got)
	}
}

func TestPlanUpdate_TimedToAllDay(t *testing.T) {
	req := &model.UpdateRequest{IsAllDay: boolp(true)}

	p, err := PlanUpdate(req, timedEvent())
	if err != nil {
		t.Fatalf("PlanUpdate failed: %v", err)
	}
	got, _ := json.Marshal(p)
	want := `{"end":{"date":"2024-04-02","dateTime":null,"timeZone":null},"start":{"date":"2024-04-01","dateTime":null,"timeZone":null}}`
	if string(got) != want {
		t.Errorf("Expected body\n%s\ngot\n%s", want, got)
	}
}

func TestPlanUpdate_TimedDefaults(t *testing.T) {
	tests := []struct {
		name      string
		req       *model.UpdateRequest
		wantStart string
		wantEnd   string
	}{
		{
			name:      "start only keeps duration",
			req:       &model.UpdateRequest{StartTime: str("2024-04-05T16:00:00")},
			wantStart: "2024-04-05T16:00:00+02:00",
			wantEnd:   "2024-04-05T16:30:00+02:00",
		},
		{
			name:      "end only keeps start",
			req:       &model.UpdateRequest{EndTime: str("2024-04-01T11:00:00")},
			wantStart: "2024-04-01T10:00:00+02:00",
			wantEnd:   "2024-04-01T11:00:00+02:00",
		},
		{
			name:      "zone only keeps the instant",
			req:       &model.UpdateRequest{Zone: str("Europe/London")},
			wantStart: "2024-04-01T09:00:00+01:00",
			wantEnd:   "2024-04-01T09:30:00+01:00",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := PlanUpdate(tc.req, timedEvent())
			if err != nil {
				t.Fatalf("PlanUpdate failed: %v", err)
			}
			if *p.Start.DateTime != tc.wantStart || *p.End.DateTime != tc.wantEnd {
				t.Errorf("Expected %s..%s, got %s..%s", tc.wantStart, tc.wantEnd, *p.Start.DateTime, *p.End.DateTime)
			}
		})
	}
}

func TestPlanUpdate_AllDayEndBump(t *testing.T) {
	req := &model.UpdateRequest{StartTime: str("2024-04-10"), EndTime: str("2024-04-09")}

	p, err := PlanUpdate(req, allDayEvent())
	if err != nil {
		t.Fatalf("PlanUpdate failed: %v", err)
	}
	if *p.Start.Date != "2024-04-10" || *p.End.Date != "2024-04-11" {
		t.Errorf("Expected end bumped to the next day, got %s..%s", *p.Start.Date, *p.End.Date)
	}
}

func TestPlanUpdate_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		req     *model.UpdateRequest
		current *model.Event
	}{
		{"timed without zone", &model.UpdateRequest{StartTime: str("2024-04-01T09:00:00"), IsAllDay: boolp(false)}, allDayEvent()},
		{"all-day to timed without start", &model.UpdateRequest{IsAllDay: boolp(false), Zone: str("Europe/Berlin")}, allDayEvent()},
		{"end before start", &model.UpdateRequest{StartTime: str("2024-04-01T11:00:00"), EndTime: str("2024-04-01T10:00:00")}, timedEvent()},
		{"garbage start", &model.UpdateRequest{StartTime: str("soonish")}, timedEvent()},
		{"unknown zone", &model.UpdateRequest{Zone: str("Mars/Base")}, timedEvent()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := PlanUpdate(tc.req, tc.current)
			if !errors.Is(err, ErrInvalidUpdate) {
				t.Errorf("Expected ErrInvalidUpdate, got %v", err)
			}
			if apperr.KindOf(err) != apperr.KindInvalidInput {
				t.Errorf("Expected invalid input kind, got %s", apperr.KindOf(err))
			}
		})
	}
}

func TestPlanUpdate_NoOp(t *testing.T) {
	if _, err := PlanUpdate(&model.UpdateRequest{}, timedEvent()); !errors.Is(err, ErrNoOp) {
		t.Errorf("Expected ErrNoOp, got %v", err)
	}
}

// The patch carries exactly the scalars set in the request, plus a full
// start/end pair whenever any time field is set.
func TestPlanUpdate_Minimality(t *testing.T) {
	type setter struct {
		field string
		apply func(*model.UpdateRequest)
	}
	scalars := []setter{
		{"summary", func(r *model.UpdateRequest) { r.Summary = str("New") }},
		{"description", func(r *model.UpdateRequest) { r.Description = str("") }},
		{"location", func(r *model.UpdateRequest) { r.Location = str("Room 1") }},
		{"recurrence", func(r *model.UpdateRequest) { r.Recurrence = []string{"RRULE:FREQ=WEEKLY;BYDAY=MO"} }},
	}
	timeSetters := []func(*model.UpdateRequest){
		nil,
		func(r *model.UpdateRequest) { r.StartTime = str("2024-04-03T08:00:00") },
		func(r *model.UpdateRequest) { r.EndTime = str("2024-04-01T12:00:00") },
		func(r *model.UpdateRequest) { r.IsAllDay = boolp(true) },
		func(r *model.UpdateRequest) { r.Zone = str("Asia/Tokyo") },
	}

	for mask := 0; mask < 1<<len(scalars); mask++ {
		for ti, ts := range timeSetters {
			req := &model.UpdateRequest{}
			var want []string
			for i, s := range scalars {
				if mask&(1<<i) != 0 {
					s.apply(req)
					want = append(want, s.field)
				}
			}
			if ts != nil {
				ts(req)
				want = append(want, "start", "end")
			}
			sort.Strings(want)

			p, err := PlanUpdate(req, timedEvent())
			if len(want) == 0 {
				if !errors.Is(err, ErrNoOp) {
					t.Errorf("mask=%d time=%d: expected ErrNoOp, got %v", mask, ti, err)
				}
				continue
			}
			if err != nil {
				t.Fatalf("mask=%d time=%d: PlanUpdate failed: %v", mask, ti, err)
			}
			if !reflect.DeepEqual(p.Fields(), want) {
				t.Errorf("mask=%d time=%d: fields %v, want %v", mask, ti, p.Fields(), want)
			}
			if p.Start != nil && (p.Start.AllDay() != p.End.AllDay()) {
				t.Errorf("mask=%d time=%d: mixed start/end shapes", mask, ti)
			}
		}
	}
}

// applyPatch mimics the calendar's PATCH semantics for start/end blocks.
func applyPatch(e model.Event, p *Patch) model.Event {
	apply := func(cur model.EventTime, b *TimeBlock) model.EventTime {
		if b == nil {
			return cur
		}
		var out model.EventTime
		if b.Date != nil {
			out.Date = *b.Date
		}
		if b.DateTime != nil {
			out.DateTime = *b.DateTime
		}
		if b.TimeZone != nil {
			out.TimeZone = *b.TimeZone
		}
		return out
	}
	e.Start = apply(e.Start, p.Start)
	e.End = apply(e.End, p.End)
	return e
}

func TestPlanUpdate_ShapeExclusivity(t *testing.T) {
	reqs := []*model.UpdateRequest{
		{IsAllDay: boolp(true)},
		{IsAllDay: boolp(false), StartTime: str("2024-04-01T09:00:00"), Zone: str("Europe/Berlin")},
		{StartTime: str("2024-04-02")},
		{EndTime: str("2024-04-03T18:00:00"), Zone: str("UTC")},
	}
	for _, cur := range []*model.Event{allDayEvent(), timedEvent()} {
		for i, req := range reqs {
			p, err := PlanUpdate(req, cur)
			if err != nil {
				continue
			}
			got := applyPatch(*cur, p)
			dates := got.Start.Date != "" && got.End.Date != ""
			times := got.Start.DateTime != "" && got.End.DateTime != ""
			if dates == times {
				t.Errorf("req %d on %s: result has both or neither shapes: %+v %+v", i, cur.ID, got.Start, got.End)
			}
			if times && (got.Start.Date != "" || got.End.Date != "") {
				t.Errorf("req %d on %s: timed result still carries a date", i, cur.ID)
			}
		}
	}
}

func TestRoute(t *testing.T) {
	instance := &model.Event{ID: "abc123_20240315", RecurringEventID: "abc123"}
	rules := []string{"RRULE:FREQ=DAILY"}
	p := &Patch{Summary: str("Renamed"), Recurrence: &rules}

	target, out, err := Route(p, instance, AllInSeries)
	if err != nil || target != "abc123" || out.Recurrence == nil {
		t.Errorf("AllInSeries: target=%s recurrence=%v err=%v", target, out.Recurrence, err)
	}

	target, out, err = Route(p, instance, SingleInstance)
	if err != nil || target != "abc123_20240315" {
		t.Fatalf("SingleInstance: target=%s err=%v", target, err)
	}
	if out.Recurrence != nil {
		t.Error("SingleInstance should strip recurrence")
	}
	if p.Recurrence == nil {
		t.Error("Route must not modify its input")
	}

	if _, _, err := Route(&Patch{Recurrence: &rules}, instance, SingleInstance); !errors.Is(err, ErrNoOp) {
		t.Errorf("Expected ErrNoOp when only recurrence was set, got %v", err)
	}

	_, _, err = Route(p, instance, ThisAndFollowing)
	if !errors.Is(err, apperr.ErrUnimplemented) {
		t.Errorf("Expected ErrUnimplemented, got %v", err)
	}

	target, _, _ = Route(p, &model.Event{ID: "solo"}, AllInSeries)
	if target != "solo" {
		t.Errorf("Expected non-recurring event targeted as-is, got %s", target)
	}
}

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"":                   SingleInstance,
		"single_instance":    SingleInstance,
		"ALL_IN_SERIES":      AllInSeries,
		"this_and_following": ThisAndFollowing,
	}
	for in, want := range tests {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("sometimes"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("Expected invalid input, got %v", err)
	}

	if m, _ := ParseDeleteMode("instance_only"); m != DeleteInstanceOnly {
		t.Error("Expected DeleteInstanceOnly")
	}
	if _, err := ParseDeleteMode("all"); err == nil {
		t.Error("Expected error for unknown delete mode")
	}
}

func TestBuildInsert(t *testing.T) {
	req := &model.CreateRequest{
		Summary:   str("dentist"),
		StartTime: str("2024-03-11T09:00:00"),
		EndTime:   str("2024-03-11T10:00:00"),
	}
	p, err := BuildInsert(req, "Asia/Yekaterinburg")
	if err != nil {
		t.Fatalf("BuildInsert failed: %v", err)
	}
	if *p.Start.DateTime != "2024-03-11T09:00:00+05:00" || *p.Start.TimeZone != "Asia/Yekaterinburg" {
		t.Errorf("Unexpected start %s %s", *p.Start.DateTime, *p.Start.TimeZone)
	}
	if *p.End.DateTime != "2024-03-11T10:00:00+05:00" {
		t.Errorf("Unexpected end %s", *p.End.DateTime)
	}

	allDay, err := BuildInsert(&model.CreateRequest{Summary: str("Holiday"), StartTime: str("2024-05-01")}, "UTC")
	if err != nil {
		t.Fatalf("BuildInsert all-day failed: %v", err)
	}
	if *allDay.Start.Date != "2024-05-01" || *allDay.End.Date != "2024-05-02" {
		t.Errorf("Unexpected all-day block %s..%s", *allDay.Start.Date, *allDay.End.Date)
	}

	noEnd, _ := BuildInsert(&model.CreateRequest{StartTime: str("2024-05-01T15:00")}, "UTC")
	if *noEnd.End.DateTime != "2024-05-01T16:00:00Z" || *noEnd.Summary != "(no title)" {
		t.Errorf("Unexpected defaults: %s %s", *noEnd.End.DateTime, *noEnd.Summary)
	}

	if _, err := BuildInsert(&model.CreateRequest{Summary: str("x")}, "UTC"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("Expected invalid input without start, got %v", err)
	}
}

func TestValidateRecurrence(t *testing.T) {
	got, err := ValidateRecurrence([]string{"RRULE:FREQ=WEEKLY;BYDAY=MO,WE", "FREQ=DAILY;COUNT=3", "EXDATE;TZID=Europe/Berlin:20240408T100000"})
	if err != nil {
		t.Fatalf("ValidateRecurrence failed: %v", err)
	}
	if got[1] != "RRULE:FREQ=DAILY;COUNT=3" {
		t.Errorf("Expected RRULE prefix added, got %s", got[1])
	}

	for _, bad := range [][]string{{"RRULE:FREQ=SOMETIMES"}, {"every monday"}, {""}, {" ", "\t"}} {
		if _, err := ValidateRecurrence(bad); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Errorf("Expected invalid input for %q, got %v", bad, err)
		}
	}

	got, err = ValidateRecurrence([]string{"", "RRULE:FREQ=DAILY"})
	if err != nil || len(got) != 1 {
		t.Errorf("Expected blank lines skipped beside a rule, got %v, %v", got, err)
	}
}
