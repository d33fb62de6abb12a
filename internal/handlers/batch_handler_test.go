package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/filmforge/backend/internal/batch"
	"github.com/filmforge/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockBatchService struct {
	created   *models.BatchJob
	status    *batch.Status
	cancelErr error
}

func (m *mockBatchService) Create(_ context.Context, p batch.CreateParams) (*models.BatchJob, error) {
	b := &models.BatchJob{
		ID:         uuid.New(),
		AccountID:  p.AccountID,
		MediaType:  p.MediaType,
		Status:     models.BatchStatusPending,
		TotalCount: len(p.Items),
	}
	m.created = b
	return b, nil
}

func (m *mockBatchService) Get(_ context.Context, id uuid.UUID) (*batch.Status, error) {
	return m.status, nil
}

func (m *mockBatchService) Cancel(context.Context, uuid.UUID) error { return m.cancelErr }

func (m *mockBatchService) RunItem(context.Context, uuid.UUID, int, int, int) error { return nil }

func newTestBatchHandler(t *testing.T, svc *mockBatchService) *BatchHandler {
	t.Helper()
	return &BatchHandler{
		Batches:   svc,
		Validator: newTestValidator(t),
		Logger:    slog.Default(),
	}
}

// =====================================================================
// POST /v1/batch
// =====================================================================

func TestCreateBatch_Valid(t *testing.T) {
	svc := &mockBatchService{}
	h := newTestBatchHandler(t, svc)
	acc := &models.Account{ID: uuid.New(), CreditBalance: 1000}

	body := `{
		"media_type": "image",
		"items": [{"prompt":"shot one"},{"prompt":"shot two"},{"prompt":"shot three"}],
		"parallel": true
	}`
	req := httptest.NewRequest(http.MethodPost, "/v1/batch", strings.NewReader(body))
	req = injectAccount(req, acc)
	rec := httptest.NewRecorder()

	h.Create(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp createBatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TotalCount != 3 {
		t.Errorf("total_count = %d, want 3", resp.TotalCount)
	}
	if svc.created == nil || svc.created.AccountID != acc.ID {
		t.Error("batch not created for the authenticated account")
	}
}

func TestCreateBatch_InvalidItem(t *testing.T) {
	h := newTestBatchHandler(t, &mockBatchService{})
	acc := &models.Account{ID: uuid.New()}

	// Second item is missing the required prompt.
	body := `{
		"media_type": "image",
		"items": [{"prompt":"ok"},{"aspect_ratio":"16:9"}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/v1/batch", strings.NewReader(body))
	req = injectAccount(req, acc)
	rec := httptest.NewRecorder()

	h.Create(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if idx, ok := resp["item"].(float64); !ok || int(idx) != 1 {
		t.Errorf("expected failing item index 1, got %v", resp["item"])
	}
}

func TestCreateBatch_EmptyItems(t *testing.T) {
	h := newTestBatchHandler(t, &mockBatchService{})
	acc := &models.Account{ID: uuid.New()}

	req := httptest.NewRequest(http.MethodPost, "/v1/batch", strings.NewReader(`{"media_type":"image","items":[]}`))
	req = injectAccount(req, acc)
	rec := httptest.NewRecorder()

	h.Create(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// =====================================================================
// GET / DELETE /v1/batch/{id}
// =====================================================================

func TestGetBatch_OwnerSeesItems(t *testing.T) {
	owner := &models.Account{ID: uuid.New(), Role: models.RoleMember}
	b := &models.BatchJob{ID: uuid.New(), AccountID: owner.ID, Status: models.BatchStatusPartial, TotalCount: 2, CompletedCount: 1, FailedCount: 1}
	svc := &mockBatchService{status: &batch.Status{
		Batch: b,
		Items: []*models.BatchItem{
			{BatchID: b.ID, ItemIndex: 0, Status: models.ItemStatusCompleted},
			{BatchID: b.ID, ItemIndex: 1, Status: models.ItemStatusFailed},
		},
	}}
	h := newTestBatchHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/batch/"+b.ID.String(), nil)
	req.SetPathValue("id", b.ID.String())
	req = injectAccount(req, owner)
	rec := httptest.NewRecorder()

	h.Get(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp batch.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Errorf("items = %d, want 2", len(resp.Items))
	}
}

func TestGetBatch_NonOwnerForbidden(t *testing.T) {
	b := &models.BatchJob{ID: uuid.New(), AccountID: uuid.New()}
	h := newTestBatchHandler(t, &mockBatchService{status: &batch.Status{Batch: b}})

	stranger := &models.Account{ID: uuid.New(), Role: models.RoleMember}
	req := httptest.NewRequest(http.MethodGet, "/v1/batch/"+b.ID.String(), nil)
	req.SetPathValue("id", b.ID.String())
	req = injectAccount(req, stranger)
	rec := httptest.NewRecorder()

	h.Get(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestCancelBatch_AlreadyFinished(t *testing.T) {
	owner := &models.Account{ID: uuid.New()}
	b := &models.BatchJob{ID: uuid.New(), AccountID: owner.ID, Status: models.BatchStatusCompleted}
	h := newTestBatchHandler(t, &mockBatchService{
		status:    &batch.Status{Batch: b},
		cancelErr: batch.ErrNotCancellable,
	})

	req := httptest.NewRequest(http.MethodDelete, "/v1/batch/"+b.ID.String(), nil)
	req.SetPathValue("id", b.ID.String())
	req = injectAccount(req, owner)
	rec := httptest.NewRecorder()

	h.Cancel(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}
