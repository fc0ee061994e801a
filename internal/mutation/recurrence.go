package mutation

import (
	"fmt"
	"strings"

	"github.com/teambition/rrule-go"

	"github.com/jun/calvoice/internal/apperr"
)

// ValidateRecurrence checks RFC 5545 recurrence lines before they are sent.
// RRULE and EXRULE lines must parse; RDATE and EXDATE lines are passed
// through after a prefix check.
func ValidateRecurrence(lines []string) ([]string, error) {
	out := make([]string, 0, len(lines))
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "RRULE:"), strings.HasPrefix(upper, "EXRULE:"):
			body := line[strings.Index(line, ":")+1:]
			if _, err := rrule.StrToRRule(body); err != nil {
				return nil, apperr.E(apperr.KindInvalidInput, "mutation.ValidateRecurrence", fmt.Sprintf("invalid recurrence rule %q", line), err)
			}
		case strings.HasPrefix(upper, "FREQ="):
			// bare rule; the calendar wants the RRULE: prefix
			if _, err := rrule.StrToRRule(line); err != nil {
				return nil, apperr.E(apperr.KindInvalidInput, "mutation.ValidateRecurrence", fmt.Sprintf("invalid recurrence rule %q", line), err)
			}
			line = "RRULE:" + line
		case strings.HasPrefix(upper, "RDATE"), strings.HasPrefix(upper, "EXDATE"):
		default:
			return nil, apperr.Errorf(apperr.KindInvalidInput, "mutation.ValidateRecurrence", "unsupported recurrence line %q", line)
		}
		out = append(out, line)
	}
	if len(lines) > 0 && len(out) == 0 {
		// blank input is not a request to clear the series
		return nil, apperr.E(apperr.KindInvalidInput, "mutation.ValidateRecurrence", "recurrence lines are all blank", nil)
	}
	return out, nil
}
