package assistant

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/calendar"
	"github.com/jun/calvoice/internal/logging"
	"github.com/jun/calvoice/internal/model"
	"github.com/jun/calvoice/internal/mutation"
	"github.com/jun/calvoice/internal/timenorm"
)

const TranscriptionFailedMessage = "Sorry, I couldn't process the recording. Please try again or type your request."

// Transcriber turns a recording into text; *stt.Client implements it.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// Request is one /process call.
type Request struct {
	UserID string
	Now    string // RFC 3339
	Zone   string
	Text   string
	Audio  io.Reader
	// AudioName keeps the client's file extension for the transcriber.
	AudioName string
}

type Response struct {
	Status   model.Status `json:"status"`
	Message  string       `json:"message"`
	Warnings []string     `json:"warnings,omitempty"`
}

// Coordinator validates a request, transcribes audio, and runs the planner
// and then the executor.
type Coordinator struct {
	planner     *Planner
	executor    *Executor
	calendars   calendar.Provider
	transcriber Transcriber
	tempDir     string
	defaultMode mutation.Mode
}

func NewCoordinator(planner *Planner, executor *Executor, calendars calendar.Provider, transcriber Transcriber) *Coordinator {
	return &Coordinator{
		planner:     planner,
		executor:    executor,
		calendars:   calendars,
		transcriber: transcriber,
		defaultMode: mutation.SingleInstance,
	}
}

// SetTempDir sets where recordings are spooled; "" means os.TempDir.
func (c *Coordinator) SetTempDir(dir string) {
	c.tempDir = dir
}

// Process handles one user turn. Errors are returned only for requests that
// cannot be served at all (bad input, revoked grant, calendar unavailable);
// everything else is reported through Response.Status.
func (c *Coordinator) Process(ctx context.Context, req Request) (*Response, error) {
	const op = "assistant.Process"
	requestID := uuid.NewString()
	logger := logging.With("request_id", requestID, "user_id", req.UserID)
	start := time.Now()

	now, err := time.Parse(time.RFC3339, strings.TrimSpace(req.Now))
	if err != nil {
		return nil, apperr.E(apperr.KindInvalidInput, op, "time must be an RFC 3339 timestamp", err)
	}
	loc, err := timenorm.LoadZone(req.Zone)
	if err != nil {
		return nil, apperr.E(apperr.KindInvalidInput, op, "timeZone must be an IANA zone name", err)
	}
	now = now.In(loc)

	text := strings.TrimSpace(req.Text)
	if (text == "") == (req.Audio == nil) {
		return nil, apperr.E(apperr.KindInvalidInput, op, "provide exactly one of text or audio", nil)
	}

	if req.Audio != nil {
		text, err = c.transcribe(ctx, req)
		if err != nil {
			logger.Error("transcription failed", err)
			msg := TranscriptionFailedMessage
			if apperr.KindOf(err) == apperr.KindInvalidInput {
				msg = apperr.UserMessage(err)
			}
			return &Response{Status: model.StatusError, Message: msg}, nil
		}
	}

	gw, err := c.calendars.ForUser(ctx, req.UserID)
	if err != nil {
		logger.Warn("calendar unavailable", "kind", apperr.KindOf(err), "error", err)
		return nil, err
	}

	planned, err := c.planner.Run(ctx, Turn{RequestID: requestID, UserID: req.UserID, Utterance: text, Now: now, Zone: req.Zone, Gateway: gw})
	if err != nil {
		return nil, err
	}
	resp := &Response{Status: planned.Status, Message: planned.Message}
	degraded := planned.Degraded

	if planned.Planned {
		res := c.executor.Execute(ctx, Plan{
			RequestID: requestID,
			UserID:    req.UserID,
			Actions:   planned.Actions,
			Now:       now,
			Zone:      req.Zone,
			Gateway:   gw,
			Mode:      c.defaultMode,
		})
		resp.Status, resp.Message = res.Status, res.Message
		degraded = degraded || res.Degraded
	}
	if degraded {
		resp.Warnings = append(resp.Warnings, WarningHistoryUnavailable)
	}

	logger.Info("request processed", "status", resp.Status, "latency_ms", time.Since(start).Milliseconds())
	return resp, nil
}

// transcribe spools the audio to a temporary file, which is removed before
// returning.
func (c *Coordinator) transcribe(ctx context.Context, req Request) (string, error) {
	ext := filepath.Ext(req.AudioName)
	if ext == "" {
		ext = ".webm"
	}
	f, err := os.CreateTemp(c.tempDir, "calvoice-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp audio file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	_, err = io.Copy(f, req.Audio)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write temp audio file: %w", err)
	}
	return c.transcriber.Transcribe(ctx, path)
}
