package assistant

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/calendar"
	"github.com/jun/calvoice/internal/convo"
	"github.com/jun/calvoice/internal/logging"
	"github.com/jun/calvoice/internal/model"
	"github.com/jun/calvoice/internal/mutation"
)

var (
	eventIDPattern = regexp.MustCompile(`(?i)\bEventID"?\s*:\s*"?([A-Za-z0-9_@.\-]+)`)
	modePattern    = regexp.MustCompile(`(?i)\bMode"?\s*:\s*"?([A-Za-z_]+)`)
)

// ExtractEventID finds the "EventID: <token>" in an action spec.
func ExtractEventID(spec string) (string, bool) {
	m := eventIDPattern.FindStringSubmatch(spec)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExtractMode finds an optional "Mode: <mode>" in an action spec.
func ExtractMode(spec string) string {
	m := modePattern.FindStringSubmatch(spec)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

// Plan is the input of one executor run.
type Plan struct {
	RequestID string
	UserID    string
	Actions   []model.Action
	Now       time.Time
	Zone      string
	Gateway   calendar.Gateway
	// Mode applies to change actions that do not name one.
	Mode mutation.Mode
}

// ActionOutcome is the result of one action.
type ActionOutcome struct {
	Key     string
	Status  model.Status // success or error
	Message string
	EventID string
}

type Result struct {
	Status   model.Status
	Message  string
	Outcomes []ActionOutcome
	Degraded bool
}

// Executor applies plan actions one by one. A failed action does not stop
// the rest, and nothing already applied is undone.
type Executor struct {
	model Model
	log   convo.Log
	clock func() time.Time
}

func NewExecutor(m Model, log convo.Log) *Executor {
	return &Executor{model: m, log: log, clock: time.Now}
}

func (x *Executor) Execute(ctx context.Context, plan Plan) *Result {
	logger := logging.With("request_id", plan.RequestID, "user_id", plan.UserID)

	outcomes := make([]ActionOutcome, 0, len(plan.Actions))
	for _, a := range plan.Actions {
		start := time.Now()
		o := x.run(ctx, plan, a)
		logger.Info("action finished", "key", a.Key, "status", o.Status, "event_id", o.EventID, "latency_ms", time.Since(start).Milliseconds())
		outcomes = append(outcomes, o)
	}

	res := aggregate(outcomes)
	t := model.Turn{Role: model.RoleAssistant, Content: res.Message, At: x.clock().UTC()}
	if err := x.log.Append(ctx, plan.UserID, t); err != nil {
		res.Degraded = true
		logger.Warn("conversation append failed", "error", err)
	}
	return res
}

func (x *Executor) run(ctx context.Context, plan Plan, a model.Action) ActionOutcome {
	o := ActionOutcome{Key: a.Key}
	var err error
	switch a.Intent() {
	case model.IntentCreate:
		o.EventID, o.Message, err = x.create(ctx, plan, a)
	case model.IntentChange:
		o.EventID, o.Message, err = x.change(ctx, plan, a)
	case model.IntentDelete:
		o.EventID, o.Message, err = x.remove(ctx, plan, a)
	default:
		err = apperr.Errorf(apperr.KindInvalidInput, "assistant.Execute", "unknown action %q", a.Key)
	}
	if err != nil {
		logging.Error("action failed", err, "request_id", plan.RequestID, "user_id", plan.UserID, "key", a.Key)
		o.Status = model.StatusError
		o.Message = fmt.Sprintf("%s failed: %s", a.Key, apperr.UserMessage(err))
		return o
	}
	o.Status = model.StatusSuccess
	return o
}

func (x *Executor) create(ctx context.Context, plan Plan, a model.Action) (string, string, error) {
	req, err := x.model.FormatCreate(ctx, a.Spec, plan.Now, plan.Zone)
	if err != nil {
		return "", "", err
	}
	body, err := mutation.BuildInsert(req, plan.Zone)
	if err != nil {
		return "", "", err
	}
	e, err := plan.Gateway.Insert(ctx, body)
	if err != nil {
		return "", "", err
	}
	return e.ID, fmt.Sprintf("Created %q (%s).", e.Summary, when(e)), nil
}

func (x *Executor) change(ctx context.Context, plan Plan, a model.Action) (string, string, error) {
	const op = "assistant.change"
	id, ok := ExtractEventID(a.Spec)
	if !ok {
		return "", "", apperr.E(apperr.KindInvalidInput, op, "no EventID given", nil)
	}
	mode := plan.Mode
	if token := ExtractMode(a.Spec); token != "" {
		m, err := mutation.ParseMode(token)
		if err != nil {
			return id, "", err
		}
		mode = m
	}

	current, err := plan.Gateway.Get(ctx, id)
	if err != nil {
		return id, "", err
	}
	req, err := x.model.FormatUpdate(ctx, a.Spec, current, plan.Now, plan.Zone)
	if err != nil {
		return id, "", err
	}

	patch, err := mutation.PlanUpdate(req, current)
	if errors.Is(err, mutation.ErrNoOp) {
		return id, fmt.Sprintf("%q: no changes.", current.Summary), nil
	}
	if err != nil {
		return id, "", err
	}
	target, patch, err := mutation.Route(patch, current, mode)
	if errors.Is(err, mutation.ErrNoOp) {
		return id, fmt.Sprintf("%q: no changes.", current.Summary), nil
	}
	if err != nil {
		return id, "", err
	}

	updated, err := plan.Gateway.Patch(ctx, target, patch)
	if err != nil {
		return target, "", err
	}
	return target, fmt.Sprintf("Updated %q (%s): %s.", updated.Summary, when(updated), strings.Join(patch.Fields(), ", ")), nil
}

func (x *Executor) remove(ctx context.Context, plan Plan, a model.Action) (string, string, error) {
	id, ok := ExtractEventID(a.Spec)
	if !ok {
		return "", "", apperr.E(apperr.KindInvalidInput, "assistant.delete", "no EventID given", nil)
	}
	mode, err := mutation.ParseDeleteMode(ExtractMode(a.Spec))
	if err != nil {
		// change-style modes are meaningless here
		mode = mutation.DeleteDefault
	}
	if mode == mutation.DeleteInstanceOnly {
		if err := calendar.CancelOccurrence(ctx, plan.Gateway, id); err != nil {
			return id, "", err
		}
		return id, fmt.Sprintf("Cancelled one occurrence (EventID %s).", id), nil
	}
	if err := plan.Gateway.Delete(ctx, id); err != nil {
		return id, "", err
	}
	return id, fmt.Sprintf("Deleted event %s.", id), nil
}

func aggregate(outcomes []ActionOutcome) *Result {
	if len(outcomes) == 0 {
		return &Result{Status: model.StatusInfo, Message: "Nothing to do."}
	}
	ok := 0
	msgs := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Status == model.StatusSuccess {
			ok++
		}
		msgs = append(msgs, o.Message)
	}
	status := model.StatusPartialError
	switch ok {
	case len(outcomes):
		status = model.StatusSuccess
	case 0:
		status = model.StatusError
	}
	return &Result{Status: status, Message: strings.Join(msgs, "\n"), Outcomes: outcomes}
}

func when(e *model.Event) string {
	if e.IsAllDay {
		return e.Start.Date
	}
	return e.Start.DateTime
}
