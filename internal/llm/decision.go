package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/model"
)

// ErrBadReply is wrapped by every parse failure of a model reply.
var ErrBadReply = errors.New("unusable model reply")

const (
	keyClarify = "message_to_user"
	keyQuery   = "calendar"
	keyPlan    = "actions"
)

func badReply(format string, args ...any) error {
	return apperr.E(apperr.KindUpstream, "llm.ParseDecision", "", fmt.Errorf("%w: "+format, append([]any{ErrBadReply}, args...)...))
}

// ParseDecision reads a planner reply. The reply must carry exactly one of
// message_to_user, calendar or actions; anything else is rejected rather
// than guessed at.
func ParseDecision(raw string) (*model.Decision, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripFence(raw)), &fields); err != nil {
		return nil, badReply("not a JSON object: %v", err)
	}

	var present []string
	for _, k := range []string{keyClarify, keyQuery, keyPlan} {
		if v, ok := fields[k]; ok && !isNull(v) {
			present = append(present, k)
		}
	}
	if len(present) != 1 {
		return nil, badReply("expected exactly one of %s, %s, %s; got %v", keyClarify, keyQuery, keyPlan, present)
	}

	switch present[0] {
	case keyClarify:
		var msg string
		if err := json.Unmarshal(fields[keyClarify], &msg); err != nil || strings.TrimSpace(msg) == "" {
			return nil, badReply("message_to_user must be a non-empty string")
		}
		return &model.Decision{Kind: model.DecisionClarify, Message: msg}, nil

	case keyQuery:
		var q struct {
			model.TimeSelector
			Filter string `json:"filter"`
		}
		if err := json.Unmarshal(fields[keyQuery], &q); err != nil {
			return nil, badReply("calendar must be an object: %v", err)
		}
		if q.Filter == "" {
			json.Unmarshal(fields["filter"], &q.Filter)
		}
		hasRange := q.TimeMin != "" && q.TimeMax != ""
		if hasRange == (q.Date != "") {
			return nil, badReply("calendar needs either timeMin and timeMax or date")
		}
		return &model.Decision{Kind: model.DecisionQuery, Selector: q.TimeSelector, Filter: strings.TrimSpace(q.Filter)}, nil

	default:
		actions, err := orderedActions(fields[keyPlan])
		if err != nil {
			return nil, err
		}
		return &model.Decision{Kind: model.DecisionPlan, Actions: actions}, nil
	}
}

// orderedActions decodes the actions object keeping the emitted key order,
// which a map would lose.
func orderedActions(raw json.RawMessage) ([]model.Action, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, badReply("actions: %v", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, badReply("actions must be an object")
	}

	var out []model.Action
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, badReply("actions: %v", err)
		}
		key, _ := tok.(string)

		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, badReply("actions[%s]: %v", key, err)
		}
		var spec string
		if err := json.Unmarshal(val, &spec); err != nil {
			// structured specs are passed on verbatim
			spec = string(val)
		}
		out = append(out, model.Action{Key: key, Spec: spec})
	}
	return out, nil
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// stripFence removes a ```json fence some models wrap around JSON mode output.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
