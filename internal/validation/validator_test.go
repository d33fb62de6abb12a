package validation

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/filmforge/backend/internal/models"
)

func schemasDir(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("cannot locate test file")
	}
	return filepath.Join(filepath.Dir(file), "..", "..", "schemas")
}

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(context.Background(), schemasDir(t))
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func TestValidateParams(t *testing.T) {
	v := newValidator(t)
	tests := []struct {
		name    string
		media   models.MediaType
		params  string
		wantErr bool
	}{
		{"minimal image", models.MediaImage, `{"prompt":"a lighthouse"}`, false},
		{"full image", models.MediaImage, `{"prompt":"p","aspect_ratio":"16:9","resolution":"4k","quantity":4}`, false},
		{"image missing prompt", models.MediaImage, `{"resolution":"hd"}`, true},
		{"image empty prompt", models.MediaImage, `{"prompt":""}`, true},
		{"image bad resolution", models.MediaImage, `{"prompt":"p","resolution":"8k"}`, true},
		{"image unknown field", models.MediaImage, `{"prompt":"p","seed":42}`, true},
		{"image quantity over cap", models.MediaImage, `{"prompt":"p","quantity":9}`, true},
		{"video", models.MediaVideo, `{"prompt":"p","duration_seconds":10}`, false},
		{"tts missing text", models.MediaTTS, `{"voice":"alloy"}`, true},
		{"tts", models.MediaTTS, `{"text":"hello"}`, false},
		{"music", models.MediaMusic, `{"prompt":"lofi beats"}`, false},
		{"text", models.MediaText, `{"prompt":"summarize"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateParams(context.Background(), tt.media, json.RawMessage(tt.params))
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateParams: %v", err)
			}
		})
	}
}

func TestValidateParams_MalformedJSON(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateParams(context.Background(), models.MediaImage, json.RawMessage(`{"prompt":`))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if errors.Is(err, ErrValidation) {
		t.Error("malformed JSON is a decode error, not a schema failure")
	}
}

func TestNewValidator_MissingDir(t *testing.T) {
	if _, err := NewValidator(context.Background(), filepath.Join(schemasDir(t), "nope")); err == nil {
		t.Fatal("expected error for missing schema dir")
	}
}
