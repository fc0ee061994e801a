// Package assistant runs one user turn: the planner loop that alternates
// between the language model and the calendar, the executor that applies the
// resulting plan, and the coordinator in front of both.
package assistant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/calendar"
	"github.com/jun/calvoice/internal/convo"
	"github.com/jun/calvoice/internal/logging"
	"github.com/jun/calvoice/internal/model"
	"github.com/jun/calvoice/internal/timenorm"
)

// MaxQueryRounds caps calendar lookups per user turn.
const MaxQueryRounds = 2

const (
	ApologyMessage    = "Sorry, something went wrong while working on your calendar. Please try again."
	QueryLimitMessage = "Sorry, I couldn't work out which events you meant. Could you be more specific?"

	WarningHistoryUnavailable = "history_unavailable"
)

// Model is the language model as the assistant uses it; *llm.Model
// implements it.
type Model interface {
	Decide(ctx context.Context, now time.Time, zone string, history []model.Turn) (*model.Decision, error)
	FormatCreate(ctx context.Context, spec string, now time.Time, zone string) (*model.CreateRequest, error)
	FormatUpdate(ctx context.Context, spec string, current *model.Event, now time.Time, zone string) (*model.UpdateRequest, error)
}

// Turn is the input of one planner run.
type Turn struct {
	RequestID string
	UserID    string
	Utterance string
	Now       time.Time
	Zone      string
	Gateway   calendar.Gateway
}

// PlanResult is either a final answer (Status and Message) or a plan for the
// executor (Status empty, Actions possibly empty).
type PlanResult struct {
	Status   model.Status
	Message  string
	Actions  []model.Action
	Planned  bool
	Degraded bool // the conversation log failed at least once
}

type Planner struct {
	model Model
	log   convo.Log
	clock func() time.Time
}

func NewPlanner(m Model, log convo.Log) *Planner {
	return &Planner{model: m, log: log, clock: time.Now}
}

// session is the per-run state: the local view of the history, used when the
// log cannot be read.
type session struct {
	p        *Planner
	userID   string
	local    []model.Turn
	degraded bool
	logger   *logging.Logger
}

func (s *session) record(ctx context.Context, role model.Role, content string) {
	t := model.Turn{Role: role, Content: content, At: s.p.clock().UTC()}
	s.local = append(s.local, t)
	if err := s.p.log.Append(ctx, s.userID, t); err != nil {
		s.degraded = true
		s.logger.Warn("conversation append failed", "role", role, "error", err)
	}
}

func (s *session) history(ctx context.Context) []model.Turn {
	if s.degraded {
		return s.local
	}
	turns, err := s.p.log.Read(ctx, s.userID)
	if err != nil {
		s.degraded = true
		s.logger.Warn("conversation read failed", "error", err)
		return s.local
	}
	return turns
}

// Run drives the model until it asks the user something, commits to a plan,
// or fails. Only a revoked grant is returned as an error; every other failure
// becomes an apology with status error.
func (p *Planner) Run(ctx context.Context, in Turn) (*PlanResult, error) {
	s := &session{p: p, userID: in.UserID, logger: logging.With("request_id", in.RequestID, "user_id", in.UserID)}
	s.record(ctx, model.RoleUser, in.Utterance)

	fail := func(err error) (*PlanResult, error) {
		if apperr.KindOf(err) == apperr.KindAuthRevoked {
			return nil, err
		}
		s.logger.Error("planner round failed", err)
		s.record(ctx, model.RoleSystem, "error: "+err.Error())
		s.record(ctx, model.RoleAssistant, ApologyMessage)
		return &PlanResult{Status: model.StatusError, Message: ApologyMessage, Degraded: s.degraded}, nil
	}

	queries := 0
	for {
		d, err := p.model.Decide(ctx, in.Now, in.Zone, s.history(ctx))
		if err != nil {
			return fail(err)
		}

		switch d.Kind {
		case model.DecisionClarify:
			s.record(ctx, model.RoleAssistant, d.Message)
			return &PlanResult{Status: model.StatusClarificationNeeded, Message: d.Message, Degraded: s.degraded}, nil

		case model.DecisionQuery:
			queries++
			if queries > MaxQueryRounds {
				s.logger.Warn("query round limit reached", "rounds", queries-1)
				s.record(ctx, model.RoleSystem, fmt.Sprintf("note: stopped after %d calendar lookups without a decision", MaxQueryRounds))
				s.record(ctx, model.RoleAssistant, QueryLimitMessage)
				return &PlanResult{Status: model.StatusError, Message: QueryLimitMessage, Degraded: s.degraded}, nil
			}
			s.record(ctx, model.RoleAssistant, describeQuery(d))
			results, err := runQuery(ctx, in.Gateway, d, in.Zone)
			if err != nil {
				return fail(err)
			}
			s.record(ctx, model.RoleSystem, results)

		case model.DecisionPlan:
			s.record(ctx, model.RoleAssistant, describePlan(d.Actions))
			return &PlanResult{Actions: d.Actions, Planned: true, Degraded: s.degraded}, nil

		default:
			return fail(fmt.Errorf("unknown decision kind %d", d.Kind))
		}
	}
}

// describeQuery and describePlan render a decision as the assistant turn that
// keeps it in the conversation for later rounds.
func describeQuery(d *model.Decision) string {
	var b strings.Builder
	b.WriteString("query: ")
	if d.Selector.Date != "" {
		b.WriteString("date " + d.Selector.Date)
	} else {
		fmt.Fprintf(&b, "%s to %s", d.Selector.TimeMin, d.Selector.TimeMax)
	}
	if d.Filter != "" {
		fmt.Fprintf(&b, "; filter %q", d.Filter)
	}
	return b.String()
}

func describePlan(actions []model.Action) string {
	if len(actions) == 0 {
		return "plan: nothing to do"
	}
	var b strings.Builder
	b.WriteString("plan:")
	for _, a := range actions {
		fmt.Fprintf(&b, "\n- %s: %s", a.Key, a.Spec)
	}
	return b.String()
}

// runQuery lists the events the selector covers in the user's zone and
// formats them for the model.
func runQuery(ctx context.Context, gw calendar.Gateway, d *model.Decision, zone string) (string, error) {
	const op = "assistant.query"
	loc, _ := timenorm.LoadZone(zone)

	var from, to time.Time
	var label string
	if d.Selector.Date != "" {
		date, err := timenorm.ParseDate(d.Selector.Date, zone)
		if date == "" {
			return "", apperr.E(apperr.KindInvalidInput, op, "", err)
		}
		day, _ := time.ParseInLocation(timenorm.DateLayout, date, loc)
		from, to = day, day.AddDate(0, 0, 1)
		label = date
	} else {
		var err error
		if from, err = timenorm.Parse(d.Selector.TimeMin, zone); from.IsZero() {
			return "", apperr.E(apperr.KindInvalidInput, op, "", err)
		}
		if to, err = timenorm.Parse(d.Selector.TimeMax, zone); to.IsZero() {
			return "", apperr.E(apperr.KindInvalidInput, op, "", err)
		}
		if to.Before(from) {
			from, to = to, from
		}
		label = timenorm.Format(from) + " to " + timenorm.Format(to)
	}

	// The gateway lists whole UTC days; cover the local window and trim.
	startDate := from.UTC().Format(timenorm.DateLayout)
	endDate := to.Add(-time.Nanosecond).UTC().Format(timenorm.DateLayout)
	if to.Equal(from) {
		endDate = startDate
	}
	events, err := gw.ListRange(ctx, startDate, endDate)
	if err != nil {
		return "", err
	}

	filter := strings.ToLower(d.Filter)
	var kept []model.Event
	for _, e := range events {
		s, en, ok := eventSpan(&e, loc)
		if ok && !overlaps(s, en, from, to) {
			continue
		}
		if filter != "" && !strings.Contains(strings.ToLower(e.Summary), filter) {
			continue
		}
		kept = append(kept, e)
	}
	return formatResults(label, kept), nil
}

// overlaps reports whether [s, en) meets [from, to). A zero-length event
// counts when it starts inside the window.
func overlaps(s, en, from, to time.Time) bool {
	if !en.After(s) {
		return !s.Before(from) && s.Before(to)
	}
	return s.Before(to) && en.After(from)
}

func eventSpan(e *model.Event, loc *time.Location) (time.Time, time.Time, bool) {
	if e.Start.IsAllDay() {
		s, err1 := time.ParseInLocation(timenorm.DateLayout, e.Start.Date, loc)
		en, err2 := time.ParseInLocation(timenorm.DateLayout, e.End.Date, loc)
		return s, en, err1 == nil && err2 == nil
	}
	s, err1 := time.Parse(time.RFC3339, e.Start.DateTime)
	en, err2 := time.Parse(time.RFC3339, e.End.DateTime)
	return s, en, err1 == nil && err2 == nil
}

func formatResults(label string, events []model.Event) string {
	var b strings.Builder
	if len(events) == 0 {
		fmt.Fprintf(&b, "Calendar results for %s: no events.", label)
		return b.String()
	}
	fmt.Fprintf(&b, "Calendar results for %s (%d events):", label, len(events))
	for _, e := range events {
		start, end := e.Start.DateTime, e.End.DateTime
		if e.IsAllDay {
			start, end = e.Start.Date, e.End.Date
		}
		fmt.Fprintf(&b, "\n- EventID: %s; summary: %q; start: %s; end: %s", e.ID, e.Summary, start, end)
		if e.IsAllDay {
			b.WriteString("; all-day")
		} else if e.Start.TimeZone != "" {
			fmt.Fprintf(&b, "; zone: %s", e.Start.TimeZone)
		}
		if e.RecurringEventID != "" {
			fmt.Fprintf(&b, "; series: %s", e.RecurringEventID)
		}
		if len(e.Recurrence) > 0 {
			fmt.Fprintf(&b, "; recurrence: %s", strings.Join(e.Recurrence, " "))
		}
		if e.Location != "" {
			fmt.Fprintf(&b, "; location: %q", e.Location)
		}
	}
	return b.String()
}
