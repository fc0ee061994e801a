package handler

import (
	"bytes"
	"context"
	"errors"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/assistant"
)

// maxFormMemory bounds the in-memory part of a /process form; larger audio
// uploads spill to temporary files.
const maxFormMemory = 10 << 20

// Processor runs one assistant turn; *assistant.Coordinator implements it.
type Processor interface {
	Process(ctx context.Context, req assistant.Request) (*assistant.Response, error)
}

// ProcessHandler accepts a spoken or typed request for the assistant.
type ProcessHandler struct {
	authn     Authenticator
	processor Processor
}

func NewProcessHandler(authn Authenticator, p Processor) *ProcessHandler {
	return &ProcessHandler{authn: authn, processor: p}
}

// Process reads the multipart form (time, timeZone and one of text or audio)
// and returns {status, message}.
func (h *ProcessHandler) Process(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	u, err := currentUser(ctx, h.authn, req)
	if err != nil {
		return errorResponse(err), nil
	}

	form, err := parseForm(req)
	if err != nil {
		return errorResponse(err, "user_id", u.UserID), nil
	}
	defer form.RemoveAll()

	in := assistant.Request{
		UserID: u.UserID,
		Now:    formValue(form, "time"),
		Zone:   formValue(form, "timeZone"),
		Text:   formValue(form, "text"),
	}
	if files := form.File["audio"]; len(files) > 0 {
		f, err := files[0].Open()
		if err != nil {
			return errorResponse(apperr.E(apperr.KindInvalidInput, "handler.Process", "Invalid audio upload", err), "user_id", u.UserID), nil
		}
		defer f.Close()
		in.Audio = f
		in.AudioName = files[0].Filename
	}

	resp, err := h.processor.Process(ctx, in)
	if err != nil {
		return errorResponse(err, "user_id", u.UserID), nil
	}
	return jsonResponse(http.StatusOK, resp), nil
}

func parseForm(req events.APIGatewayProxyRequest) (*multipart.Form, error) {
	const op = "handler.parseForm"
	mediaType, params, err := mime.ParseMediaType(Header(req, "Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return nil, apperr.E(apperr.KindInvalidInput, op, "Expected a multipart/form-data body", err)
	}
	b, err := body(req)
	if err != nil {
		return nil, err
	}
	form, err := multipart.NewReader(bytes.NewReader(b), params["boundary"]).ReadForm(maxFormMemory)
	if errors.Is(err, multipart.ErrMessageTooLarge) {
		return nil, apperr.E(apperr.KindInvalidInput, op, "Upload is too large", err)
	}
	if err != nil {
		return nil, apperr.E(apperr.KindInvalidInput, op, "Invalid multipart body", err)
	}
	return form, nil
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}
