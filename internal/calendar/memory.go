package calendar

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/model"
	"github.com/jun/calvoice/internal/mutation"
	"github.com/jun/calvoice/internal/timenorm"
)

const (
	maxDemoSummaryLength = 255
	maxDemoEventCount    = 200
)

// MemoryProvider keeps one in-memory calendar per user. It backs DEV_MODE
// when no Google project is configured, and the tests.
type MemoryProvider struct {
	mu        sync.Mutex
	calendars map[string]*MemoryGateway
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{calendars: make(map[string]*MemoryGateway)}
}

func (p *MemoryProvider) ForUser(_ context.Context, userID string) (Gateway, error) {
	return p.Calendar(userID), nil
}

// Calendar returns the user's calendar, creating it on first use.
func (p *MemoryProvider) Calendar(userID string) *MemoryGateway {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.calendars[userID]
	if !ok {
		g = NewMemoryGateway()
		p.calendars[userID] = g
	}
	return g
}

// MemoryGateway implements Gateway over a map. It does not expand
// recurrence: a recurring event is stored and listed once.
type MemoryGateway struct {
	mu      sync.RWMutex
	events  map[string]*model.Event
	deleted map[string]bool
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		events:  make(map[string]*model.Event),
		deleted: make(map[string]bool),
	}
}

// Put stores e as is, replacing any event with the same id.
func (m *MemoryGateway) Put(e model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.IsAllDay = e.Start.IsAllDay()
	m.events[e.ID] = &e
	delete(m.deleted, e.ID)
}

func (m *MemoryGateway) ListRange(_ context.Context, startDate, endDate string) ([]model.Event, error) {
	from, to, err := window(startDate, endDate)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Event
	for _, e := range m.events {
		if e.Status == "cancelled" {
			continue
		}
		s, en, ok := span(e)
		if !ok || !s.Before(to) || !en.After(from) {
			continue
		}
		cp := *e
		if rules, ok := m.masterRules(e); ok {
			cp.Recurrence = rules
		}
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, _, _ := span(&out[i])
		sj, _, _ := span(&out[j])
		if si.Equal(sj) {
			return out[i].ID < out[j].ID
		}
		return si.Before(sj)
	})
	return out, nil
}

func (m *MemoryGateway) Get(_ context.Context, eventID string) (*model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[eventID]
	if !ok {
		return nil, apperr.E(apperr.KindNotFound, "calendar.Get", "Event not found.", nil)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryGateway) Insert(_ context.Context, body *mutation.Patch) (*model.Event, error) {
	const op = "calendar.Insert"
	if body.Start == nil || body.End == nil {
		return nil, apperr.E(apperr.KindInvalidInput, op, "start and end are required", nil)
	}
	if len(deref(body.Summary)) > maxDemoSummaryLength {
		return nil, apperr.E(apperr.KindInvalidInput, op, fmt.Sprintf("summary too long (max %d characters)", maxDemoSummaryLength), nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) >= maxDemoEventCount {
		return nil, apperr.E(apperr.KindInvalidInput, op, fmt.Sprintf("event limit reached for demo mode (max %d events)", maxDemoEventCount), nil)
	}

	e := &model.Event{ID: strings.ReplaceAll(uuid.NewString(), "-", ""), Status: "confirmed"}
	apply(e, body)
	m.events[e.ID] = e
	cp := *e
	return &cp, nil
}

func (m *MemoryGateway) Patch(_ context.Context, eventID string, body *mutation.Patch) (*model.Event, error) {
	const op = "calendar.Patch"
	if body.Summary != nil && len(*body.Summary) > maxDemoSummaryLength {
		return nil, apperr.E(apperr.KindInvalidInput, op, fmt.Sprintf("summary too long (max %d characters)", maxDemoSummaryLength), nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return nil, apperr.E(apperr.KindNotFound, op, "Event not found.", nil)
	}
	apply(e, body)
	cp := *e
	return &cp, nil
}

func (m *MemoryGateway) Delete(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleted[eventID] {
		return nil
	}
	if _, ok := m.events[eventID]; !ok {
		return apperr.E(apperr.KindNotFound, "calendar.Delete", "Event not found.", nil)
	}
	// deleting a master takes its instances with it
	for id, e := range m.events {
		if id == eventID || e.RecurringEventID == eventID {
			delete(m.events, id)
			m.deleted[id] = true
		}
	}
	return nil
}

func (m *MemoryGateway) CancelInstance(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return apperr.E(apperr.KindNotFound, "calendar.CancelInstance", "Event not found.", nil)
	}
	e.Status = "cancelled"
	return nil
}

// masterRules must be called with m.mu held.
func (m *MemoryGateway) masterRules(e *model.Event) ([]string, bool) {
	if e.RecurringEventID == "" || len(e.Recurrence) > 0 {
		return nil, false
	}
	master, ok := m.events[e.RecurringEventID]
	if !ok {
		return nil, false
	}
	return master.Recurrence, true
}

// apply mirrors the provider's patch semantics: a present time block replaces
// the stored one wholesale.
func apply(e *model.Event, p *mutation.Patch) {
	if p.Summary != nil {
		e.Summary = *p.Summary
	}
	if p.Description != nil {
		e.Description = *p.Description
	}
	if p.Location != nil {
		e.Location = *p.Location
	}
	if p.Recurrence != nil {
		e.Recurrence = append([]string(nil), (*p.Recurrence)...)
	}
	if p.Start != nil {
		e.Start = blockToModel(p.Start)
	}
	if p.End != nil {
		e.End = blockToModel(p.End)
	}
	e.IsAllDay = e.Start.IsAllDay()
}

func blockToModel(b *mutation.TimeBlock) model.EventTime {
	return model.EventTime{Date: deref(b.Date), DateTime: deref(b.DateTime), TimeZone: deref(b.TimeZone)}
}

func span(e *model.Event) (time.Time, time.Time, bool) {
	if e.Start.IsAllDay() {
		s, err1 := time.Parse(timenorm.DateLayout, e.Start.Date)
		en, err2 := time.Parse(timenorm.DateLayout, e.End.Date)
		return s, en, err1 == nil && err2 == nil
	}
	s, err1 := time.Parse(time.RFC3339, e.Start.DateTime)
	en, err2 := time.Parse(time.RFC3339, e.End.DateTime)
	return s, en, err1 == nil && err2 == nil
}
