package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/model"
)

// Completer is the chat completion call; *Client implements it.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Model renders prompts, calls the completer and parses what comes back.
type Model struct {
	completer Completer
	prompts   *Prompts
}

func NewModel(c Completer, prompts *Prompts) *Model {
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	return &Model{completer: c, prompts: prompts}
}

// Decide asks for the next planner decision given the conversation so far.
func (m *Model) Decide(ctx context.Context, now time.Time, zone string, history []model.Turn) (*model.Decision, error) {
	system, err := render(m.prompts.planner, newPromptData(now, zone))
	if err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, Message{Role: "system", Content: system})
	for _, t := range history {
		messages = append(messages, Message{Role: string(t.Role), Content: t.Content})
	}

	raw, err := m.completer.Complete(ctx, messages)
	if err != nil {
		return nil, err
	}
	return ParseDecision(raw)
}

// FormatCreate turns a create_* action spec into a CreateRequest. The zone
// defaults to the user's.
func (m *Model) FormatCreate(ctx context.Context, spec string, now time.Time, zone string) (*model.CreateRequest, error) {
	data := newPromptData(now, zone)
	data.Spec = spec
	var req model.CreateRequest
	if err := m.format(ctx, m.prompts.create, data, &req); err != nil {
		return nil, err
	}
	if req.Zone == nil || *req.Zone == "" {
		req.Zone = &zone
	}
	return &req, nil
}

// FormatUpdate turns a change_* action spec into an UpdateRequest against
// the current event. Fields the model leaves out stay nil.
func (m *Model) FormatUpdate(ctx context.Context, spec string, current *model.Event, now time.Time, zone string) (*model.UpdateRequest, error) {
	event, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal event: %w", err)
	}
	data := newPromptData(now, zone)
	data.Spec = spec
	data.Event = string(event)

	var req model.UpdateRequest
	if err := m.format(ctx, m.prompts.update, data, &req); err != nil {
		return nil, err
	}
	if req.Zone == nil && req.HasTimeFields() && current.Start.TimeZone == "" {
		// a timed event needs a zone; the user's is the best guess
		req.Zone = &zone
	}
	return &req, nil
}

func (m *Model) format(ctx context.Context, tmpl *template.Template, data promptData, dst any) error {
	prompt, err := render(tmpl, data)
	if err != nil {
		return err
	}
	raw, err := m.completer.Complete(ctx, []Message{{Role: "system", Content: prompt}})
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(stripFence(raw)), dst); err != nil {
		return apperr.E(apperr.KindUpstream, "llm."+tmpl.Name(), "", fmt.Errorf("%w: %v", ErrBadReply, err))
	}
	return nil
}
