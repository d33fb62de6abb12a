package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

const notifyMaxAttempts = 8

// NotifyArgs is a durable outbox entry for a completion webhook. It is
// enqueued in the same transaction as the state change it reports, so a
// crash between "state changed" and "webhook sent" cannot drop the
// notification.
type NotifyArgs struct {
	BatchID uuid.UUID       `json:"batch_id"`
	URL     string          `json:"url"`
	Payload json.RawMessage `json:"payload"`
}

func (NotifyArgs) Kind() string { return "notify_batch" }

func (NotifyArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: notifyMaxAttempts}
}

type NotifyWorker struct {
	river.WorkerDefaults[NotifyArgs]
	httpClient *http.Client
}

func NewNotifyWorker() *NotifyWorker {
	return &NotifyWorker{httpClient: &http.Client{Timeout: 15 * time.Second}}
}

func (w *NotifyWorker) Work(ctx context.Context, job *river.Job[NotifyArgs]) error {
	args := job.Args

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, args.URL, bytes.NewReader(args.Payload))
	if err != nil {
		// A malformed URL never becomes deliverable.
		return river.JobCancel(fmt.Errorf("create webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook for batch %s: %w", args.BatchID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook for batch %s returned status %d", args.BatchID, resp.StatusCode)
	}
	return nil
}
