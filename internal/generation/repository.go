package generation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filmforge/backend/internal/models"
)

var ErrJobNotFound = errors.New("generation job not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const jobColumns = `id, account_id, media_type, provider, model, status, input_params,
	output_ref, error_detail, credits_charged, real_cost_cents, project_id,
	created_at, started_at, completed_at`

func (r *Repository) Create(ctx context.Context, j *models.GenerationJob) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO generation_jobs
			(id, account_id, media_type, provider, model, status, input_params, project_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, j.ID, j.AccountID, j.MediaType, j.Provider, j.Model, j.Status, j.InputParams, j.ProjectID)
	return row.Scan(&j.CreatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

func (r *Repository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.GenerationJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM generation_jobs
		WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*models.GenerationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs SET status = $1, started_at = $2 WHERE id = $3
	`, models.GenStatusProcessing, time.Now().UTC(), id)
	return err
}

func (r *Repository) MarkComplete(ctx context.Context, id uuid.UUID, outputRef string, creditsCharged, realCostCents int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $1, output_ref = $2, credits_charged = $3, real_cost_cents = $4, completed_at = $5
		WHERE id = $6
	`, models.GenStatusComplete, outputRef, creditsCharged, realCostCents, time.Now().UTC(), id)
	return err
}

func (r *Repository) MarkError(ctx context.Context, id uuid.UUID, detail string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs SET status = $1, error_detail = $2, completed_at = $3 WHERE id = $4
	`, models.GenStatusError, detail, time.Now().UTC(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.GenerationJob, error) {
	var j models.GenerationJob
	err := row.Scan(&j.ID, &j.AccountID, &j.MediaType, &j.Provider, &j.Model,
		&j.Status, &j.InputParams, &j.OutputRef, &j.ErrorDetail,
		&j.CreditsCharged, &j.RealCostCents, &j.ProjectID,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
