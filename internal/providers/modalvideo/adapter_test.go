package modalvideo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/filmforge/backend/internal/models"
	"github.com/filmforge/backend/internal/providers"
)

func TestEstimateCost(t *testing.T) {
	a := New()
	tests := []struct {
		name   string
		params providers.VideoParams
		want   int64
	}{
		{"default 5s clip", providers.VideoParams{Prompt: "p"}, 60},
		{"10s clip", providers.VideoParams{Prompt: "p", DurationSeconds: 10}, 120},
		{"1s clip", providers.VideoParams{Prompt: "p", DurationSeconds: 1}, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.EstimateCost(tt.params)
			if err != nil {
				t.Fatalf("EstimateCost: %v", err)
			}
			if got != tt.want {
				t.Errorf("cost = %d, want %d", got, tt.want)
			}
		})
	}

	if _, err := a.EstimateCost(providers.ImageParams{Prompt: "p"}); err == nil {
		t.Fatal("expected error for non-video params")
	}
}

func TestGenerate_EmptyPromptRejected(t *testing.T) {
	a := New()
	_, err := a.Generate(context.Background(), models.ProviderConfig{}, providers.VideoParams{})
	var ae *providers.AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AdapterError, got %v", err)
	}
	if ae.Transient {
		t.Error("missing prompt must not be transient")
	}
}

func TestGenerate_SubmitRejectionIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	a := New()
	_, err := a.Generate(context.Background(), models.ProviderConfig{Endpoint: srv.URL}, providers.VideoParams{Prompt: "p"})
	var ae *providers.AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AdapterError, got %v", err)
	}
	if ae.Transient || ae.Status != http.StatusUnprocessableEntity {
		t.Errorf("got transient=%v status=%d, want permanent 422", ae.Transient, ae.Status)
	}
}

func TestGenerate_SubmitOutageIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := New()
	_, err := a.Generate(context.Background(), models.ProviderConfig{Endpoint: srv.URL}, providers.VideoParams{Prompt: "p"})
	if !providers.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestGenerate_MissingRenderID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	a := New()
	_, err := a.Generate(context.Background(), models.ProviderConfig{Endpoint: srv.URL}, providers.VideoParams{Prompt: "p"})
	if err == nil {
		t.Fatal("expected error for submit response without render_id")
	}
}

func TestGenerate_ContextCancelledDuringPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(submitResponse{RenderID: "r-1"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	a := New()
	_, err := a.Generate(ctx, models.ProviderConfig{Endpoint: srv.URL}, providers.VideoParams{Prompt: "p"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestValidateCredentials_SendsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer vk" {
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	a := New()
	if !a.ValidateCredentials(context.Background(), models.ProviderConfig{Endpoint: srv.URL, APIKey: "vk"}) {
		t.Error("expected healthy verdict with credentials")
	}
	if a.ValidateCredentials(context.Background(), models.ProviderConfig{Endpoint: srv.URL}) {
		t.Error("expected unhealthy verdict without credentials")
	}
}
