// Package stt transcribes recorded audio through an OpenAI-compatible
// /audio/transcriptions endpoint.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/logging"
)

const DefaultTimeout = 60 * time.Second

type Client struct {
	endpoint string
	apiKey   string
	model    string
	timeout  time.Duration
	client   *http.Client
}

func NewClient(endpoint, apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		timeout:  timeout,
		client:   &http.Client{},
	}
}

// Transcribe uploads the audio file at path and returns the transcript. An
// empty transcript is reported as invalid input.
func (c *Client) Transcribe(ctx context.Context, path string) (string, error) {
	const op = "stt.Transcribe"
	start := time.Now()

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("stt: open audio: %w", err)
	}
	defer f.Close()

	// Stream the multipart body instead of buffering the recording.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeForm(mw, f, filepath.Base(path), c.model)
		pw.CloseWithError(err)
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/audio/transcriptions", pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("stt: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		logging.Error("transcription request failed", err, "model", c.model, "latency_ms", time.Since(start).Milliseconds())
		return "", apperr.E(apperr.KindUpstream, op, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		logging.Warn("transcription returned non-OK status", "status", resp.StatusCode, "model", c.model)
		return "", apperr.E(apperr.KindUpstream, op, "", fmt.Errorf("speech-to-text returned status %d", resp.StatusCode))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", apperr.E(apperr.KindUpstream, op, "", fmt.Errorf("decode transcription: %w", err))
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return "", apperr.E(apperr.KindInvalidInput, op, "No speech was recognised in the recording.", errors.New("empty transcript"))
	}

	logging.Debug("transcription finished", "model", c.model, "chars", len(text), "latency_ms", time.Since(start).Milliseconds())
	return text, nil
}

func writeForm(mw *multipart.Writer, audio io.Reader, filename, model string) error {
	if err := mw.WriteField("model", model); err != nil {
		return err
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return err
	}
	return mw.Close()
}
