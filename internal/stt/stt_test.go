package stt

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jun/calvoice/internal/apperr"
)

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.webm")
	if err := os.WriteFile(path, []byte("fake-audio-bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		if r.FormValue("model") != "whisper-1" {
			t.Errorf("Expected model field, got %q", r.FormValue("model"))
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		data, _ := io.ReadAll(f)
		if string(data) != "fake-audio-bytes" || hdr.Filename != "clip.webm" {
			t.Errorf("Unexpected upload %q %q", hdr.Filename, data)
		}
		w.Write([]byte(`{"text":"  book dentist tomorrow at nine  "}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1", "sk", "whisper-1", time.Second)
	text, err := c.Transcribe(context.Background(), writeAudio(t))
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if text != "book dentist tomorrow at nine" {
		t.Errorf("Unexpected transcript %q", text)
	}
}

func TestTranscribe_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		switch r.URL.Path {
		case "/empty/audio/transcriptions":
			w.Write([]byte(`{"text":""}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	audio := writeAudio(t)

	tests := []struct {
		prefix string
		want   *apperr.Error
	}{
		{"/broken", apperr.ErrUpstream},
		{"/empty", apperr.ErrInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.prefix, func(t *testing.T) {
			_, err := NewClient(srv.URL+tc.prefix, "", "whisper-1", time.Second).Transcribe(context.Background(), audio)
			if !errors.Is(err, tc.want) {
				t.Errorf("Expected %s, got %v", tc.want.Kind, err)
			}
		})
	}

	if _, err := NewClient(srv.URL, "", "m", time.Second).Transcribe(context.Background(), "/does/not/exist.webm"); err == nil {
		t.Error("Expected error for missing file")
	}
}
