package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/stepwise/internal/plan"
)

// Store persists plan snapshots written through from the engine. The plan
// as executed is runtime-only; rows here are a write-through copy for
// inspection and recovery, not the engine's working state.
type Store struct {
	DB *sql.DB
}

var (
	metricsOnce    sync.Once
	savesCounter   otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	savesCounter, metricsInitErr = meter.Int64Counter("plan_saves_total")
}

// New constructs the Store from DATABASE_URL or POSTGRES_* env variables.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// SavePlan writes one snapshot through: the plan row is upserted and the
// step rows are replaced wholesale in the same transaction, because
// consolidation rewrites step ranges in place and a per-row diff would
// leave stale orders behind.
func (s *Store) SavePlan(ctx context.Context, snap plan.Snapshot) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save plan: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO plans (id, correlation_id, instruction, normalized_instruction, language, quick, background_mode, checklist, final_answer, status, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
ON CONFLICT (id) DO UPDATE SET
  normalized_instruction = EXCLUDED.normalized_instruction,
  language = EXCLUDED.language,
  checklist = EXCLUDED.checklist,
  final_answer = EXCLUDED.final_answer,
  status = EXCLUDED.status,
  updated_at = NOW()`,
		snap.ID, snap.CorrelationID, snap.Instruction, snap.NormalizedInstruction,
		snap.Language, snap.Quick, snap.BackgroundMode, pq.Array(snap.Checklist),
		snap.FinalAnswer, string(snap.Status))
	if err != nil {
		return fmt.Errorf("upsert plan %s: %w", snap.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_steps WHERE plan_id=$1`, snap.ID); err != nil {
		return fmt.Errorf("clear steps for plan %s: %w", snap.ID, err)
	}
	for _, st := range snap.Steps {
		var (
			success      sql.NullBool
			summary      sql.NullString
			content      sql.NullString
			errorMessage sql.NullString
		)
		if st.Result != nil {
			success = sql.NullBool{Bool: st.Result.Success, Valid: true}
			summary = sql.NullString{String: st.Result.Summary, Valid: true}
			content = sql.NullString{String: st.Result.Content, Valid: true}
			errorMessage = sql.NullString{String: st.Result.ErrorMessage, Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO plan_steps (id, plan_id, step_order, tool_name, instruction, status, result_success, result_summary, result_content, result_error, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			st.ID, snap.ID, st.Order, st.ToolName, st.Instruction, string(st.Status),
			success, summary, content, errorMessage, st.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert step %d for plan %s: %w", st.Order, snap.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save plan %s: %w", snap.ID, err)
	}

	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil && savesCounter != nil {
		savesCounter.Add(ctx, 1)
	}
	return nil
}

// GetPlan loads the stored snapshot for a plan id. The second return is
// false when the plan is unknown.
func (s *Store) GetPlan(ctx context.Context, id string) (plan.Snapshot, bool, error) {
	var (
		snap   plan.Snapshot
		status string
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, correlation_id, instruction, normalized_instruction, language, quick, background_mode, checklist, final_answer, status
FROM plans WHERE id=$1`, id).Scan(
		&snap.ID, &snap.CorrelationID, &snap.Instruction, &snap.NormalizedInstruction,
		&snap.Language, &snap.Quick, &snap.BackgroundMode, pq.Array(&snap.Checklist),
		&snap.FinalAnswer, &status)
	if err == sql.ErrNoRows {
		return plan.Snapshot{}, false, nil
	}
	if err != nil {
		return plan.Snapshot{}, false, fmt.Errorf("load plan %s: %w", id, err)
	}
	snap.Status = plan.Status(status)

	steps, err := s.listSteps(ctx, id)
	if err != nil {
		return plan.Snapshot{}, false, err
	}
	snap.Steps = steps
	return snap, true, nil
}

func (s *Store) listSteps(ctx context.Context, planID string) ([]plan.Step, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, step_order, tool_name, instruction, status, result_success, result_summary, result_content, result_error, updated_at
FROM plan_steps WHERE plan_id=$1 ORDER BY step_order`, planID)
	if err != nil {
		return nil, fmt.Errorf("load steps for plan %s: %w", planID, err)
	}
	defer rows.Close()

	var out []plan.Step
	for rows.Next() {
		var (
			st           plan.Step
			status       string
			success      sql.NullBool
			summary      sql.NullString
			content      sql.NullString
			errorMessage sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.Order, &st.ToolName, &st.Instruction, &status,
			&success, &summary, &content, &errorMessage, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan step for plan %s: %w", planID, err)
		}
		st.Status = plan.StepStatus(status)
		if success.Valid {
			st.Result = &plan.ToolResult{
				Success:      success.Bool,
				ToolName:     st.ToolName,
				Summary:      summary.String,
				Content:      content.String,
				ErrorMessage: errorMessage.String,
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListPlans returns recent plan headers (no steps) newest first.
func (s *Store) ListPlans(ctx context.Context, limit int) ([]plan.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, correlation_id, instruction, status FROM plans ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []plan.Snapshot
	for rows.Next() {
		var (
			snap   plan.Snapshot
			status string
		)
		if err := rows.Scan(&snap.ID, &snap.CorrelationID, &snap.Instruction, &status); err != nil {
			return nil, fmt.Errorf("scan plan header: %w", err)
		}
		snap.Status = plan.Status(status)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// ClaimPlan takes the single-owner lease for a plan id. It returns false
// when another worker already holds the claim, which happens when a
// delivery is retried or duplicated; the behavior of two workers driving
// one plan is undefined, so the second claimant must back off.
func (s *Store) ClaimPlan(ctx context.Context, planID, owner string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO plan_claims (plan_id, owner, claimed_at) VALUES ($1,$2,NOW())
ON CONFLICT (plan_id) DO NOTHING`, planID, owner)
	if err != nil {
		return false, fmt.Errorf("claim plan %s: %w", planID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim plan %s: %w", planID, err)
	}
	return n == 1, nil
}

// ReleasePlan drops a claim held by the given owner, letting a later
// schedule re-run the plan id after a crash.
func (s *Store) ReleasePlan(ctx context.Context, planID, owner string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM plan_claims WHERE plan_id=$1 AND owner=$2`, planID, owner)
	if err != nil {
		return fmt.Errorf("release plan %s: %w", planID, err)
	}
	return nil
}

// ExpireClaims clears claims older than the given age, covering workers
// that died without releasing.
func (s *Store) ExpireClaims(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM plan_claims WHERE claimed_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("expire claims: %w", err)
	}
	return res.RowsAffected()
}
