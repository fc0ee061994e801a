package assistant

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/jun/calvoice/internal/calendar"
	"github.com/jun/calvoice/internal/model"
)

// fakeModel replays scripted decisions. Once the script runs out it keeps
// returning always, or fails.
type fakeModel struct {
	mu        sync.Mutex
	script    []*model.Decision
	always    *model.Decision
	decideErr error
	histories [][]model.Turn

	create    *model.CreateRequest
	update    *model.UpdateRequest
	formatErr error
	specs     []string
}

func (f *fakeModel) Decide(_ context.Context, _ time.Time, _ string, history []model.Turn) (*model.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories = append(f.histories, append([]model.Turn(nil), history...))
	if f.decideErr != nil {
		return nil, f.decideErr
	}
	if len(f.script) > 0 {
		d := f.script[0]
		f.script = f.script[1:]
		return d, nil
	}
	if f.always != nil {
		return f.always, nil
	}
	return nil, errors.New("script exhausted")
}

func (f *fakeModel) FormatCreate(_ context.Context, spec string, _ time.Time, _ string) (*model.CreateRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if f.formatErr != nil {
		return nil, f.formatErr
	}
	cp := *f.create
	return &cp, nil
}

func (f *fakeModel) FormatUpdate(_ context.Context, spec string, _ *model.Event, _ time.Time, _ string) (*model.UpdateRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if f.formatErr != nil {
		return nil, f.formatErr
	}
	cp := *f.update
	return &cp, nil
}

func (f *fakeModel) decideCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.histories)
}

// countingGateway counts list calls.
type countingGateway struct {
	calendar.Gateway
	mu    sync.Mutex
	lists int
}

func (g *countingGateway) ListRange(ctx context.Context, startDate, endDate string) ([]model.Event, error) {
	g.mu.Lock()
	g.lists++
	g.mu.Unlock()
	return g.Gateway.ListRange(ctx, startDate, endDate)
}

type staticProvider struct {
	gw    calendar.Gateway
	err   error
	calls int
}

func (p *staticProvider) ForUser(context.Context, string) (calendar.Gateway, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.gw, nil
}

// brokenLog fails every call.
type brokenLog struct{}

func (brokenLog) Append(context.Context, string, model.Turn) error {
	return errors.New("dynamodb unavailable")
}

func (brokenLog) Read(context.Context, string) ([]model.Turn, error) {
	return nil, errors.New("dynamodb unavailable")
}

// fakeTranscriber checks the spooled file exists while it is transcribing.
type fakeTranscriber struct {
	text    string
	err     error
	path    string
	existed bool
}

func (f *fakeTranscriber) Transcribe(_ context.Context, path string) (string, error) {
	f.path = path
	_, err := os.Stat(path)
	f.existed = err == nil
	return f.text, f.err
}

func ptr[T any](v T) *T { return &v }
