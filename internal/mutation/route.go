package mutation

import (
	"strings"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/model"
)

// Mode selects which events of a recurring series an update applies to.
type Mode int

const (
	SingleInstance Mode = iota
	AllInSeries
	ThisAndFollowing
)

func (m Mode) String() string {
	switch m {
	case AllInSeries:
		return "all_in_series"
	case ThisAndFollowing:
		return "this_and_following"
	default:
		return "single_instance"
	}
}

// ParseMode reads an update_mode value. Empty means SingleInstance.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "single_instance", "single", "instance":
		return SingleInstance, nil
	case "all_in_series", "series", "all":
		return AllInSeries, nil
	case "this_and_following", "following":
		return ThisAndFollowing, nil
	default:
		return SingleInstance, apperr.Errorf(apperr.KindInvalidInput, "mutation.ParseMode", "unknown update mode %q", s)
	}
}

// DeleteMode selects between deleting an event (or a whole series) and
// cancelling one occurrence.
type DeleteMode int

const (
	DeleteDefault DeleteMode = iota
	DeleteInstanceOnly
)

func ParseDeleteMode(s string) (DeleteMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return DeleteDefault, nil
	case "instance_only":
		return DeleteInstanceOnly, nil
	default:
		return DeleteDefault, apperr.Errorf(apperr.KindInvalidInput, "mutation.ParseDeleteMode", "unknown delete mode %q", s)
	}
}

// Route picks the event id a patch is sent to and adjusts the patch for the
// mode. SingleInstance drops recurrence, which is meaningless on one
// occurrence; AllInSeries retargets an instance to its master.
func Route(p *Patch, current *model.Event, mode Mode) (string, *Patch, error) {
	switch mode {
	case SingleInstance:
		if p.Recurrence == nil {
			return current.ID, p, nil
		}
		out := p.clone()
		out.Recurrence = nil
		if out.IsEmpty() {
			return current.ID, nil, ErrNoOp
		}
		return current.ID, out, nil
	case AllInSeries:
		if current.RecurringEventID != "" {
			return current.RecurringEventID, p, nil
		}
		return current.ID, p, nil
	case ThisAndFollowing:
		return "", nil, apperr.E(apperr.KindUnimplemented, "mutation.Route", "updating this and following events is not supported", nil)
	default:
		return "", nil, apperr.Errorf(apperr.KindInvalidInput, "mutation.Route", "unknown update mode %d", mode)
	}
}
