package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/report-form-engine/internal/types"
)

// ErrNotFound is returned when a report does not exist.
var ErrNotFound = errors.New("report not found")

// ReportStore persists report drafts and goals in Postgres. Saves follow
// PUT semantics: the patch fully replaces the stored structures and the
// canonical document is returned, so every mutation path recomputes the
// whole page-state map and goal order before persisting.
type ReportStore struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// StoreOption configures the report store.
type StoreOption func(*ReportStore)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) StoreOption {
	return func(s *ReportStore) {
		s.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) StoreOption {
	return func(s *ReportStore) {
		s.retryDelay = d
	}
}

// NewReportStore constructs a store using the provided Postgres pool.
func NewReportStore(pool *pgxpool.Pool, opts ...StoreOption) *ReportStore {
	s := &ReportStore{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveDraft upserts the report and returns the canonical document with a
// bumped revision. A patch without an id creates the report and assigns
// one.
func (s *ReportStore) SaveDraft(ctx context.Context, id types.ReportID, patch types.Report) (types.Report, error) {
	ctx, span := storeTracer.Start(ctx, "reports.save_draft")
	defer span.End()

	start := time.Now()
	defer func() {
		saveDraftLatency.Observe(time.Since(start).Seconds())
	}()

	if id == "" {
		id = types.ReportID(uuid.NewString())
	}
	if patch.Status == "" {
		patch.Status = types.StatusDraft
	}

	formData, err := json.Marshal(patch.FormData)
	if err != nil {
		return types.Report{}, fmt.Errorf("marshal form data: %w", err)
	}
	pageState, err := json.Marshal(patch.PageState)
	if err != nil {
		return types.Report{}, fmt.Errorf("marshal page state: %w", err)
	}
	goalOrder, err := json.Marshal(patch.GoalOrder)
	if err != nil {
		return types.Report{}, fmt.Errorf("marshal goal order: %w", err)
	}

	var canonical types.Report
	err = s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		row := tx.QueryRow(ctx, `
INSERT INTO reports (id, region_id, status, revision, form_data, page_state, goal_order, updated_at)
VALUES ($1, $2, $3, 1, $4, $5, $6, now())
ON CONFLICT (id) DO UPDATE SET
        region_id = EXCLUDED.region_id,
        status = EXCLUDED.status,
        revision = reports.revision + 1,
        form_data = EXCLUDED.form_data,
        page_state = EXCLUDED.page_state,
        goal_order = EXCLUDED.goal_order,
        updated_at = now()
RETURNING id, region_id, status, revision, form_data, page_state, goal_order, updated_at`,
			id, patch.RegionID, patch.Status, formData, pageState, goalOrder,
		)
		canonical, err = scanReport(row)
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return types.Report{}, err
	}
	return canonical, nil
}

// SaveGoals replaces the report's goal set with the packaged list,
// assigning ids to unsaved goals, and returns the resolved goals in
// creation order. Display order is not preserved here; callers reapply
// the persisted goal order on fetch.
func (s *ReportStore) SaveGoals(ctx context.Context, report types.ReportID, regionID string, packed []types.Goal) ([]types.Goal, error) {
	ctx, span := storeTracer.Start(ctx, "reports.save_goals")
	defer span.End()

	start := time.Now()
	defer func() {
		saveGoalsLatency.Observe(time.Since(start).Seconds())
	}()

	err := s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		keep := make([]string, 0, len(packed))
		for i := range packed {
			goal := &packed[i]
			if goal.ID.IsNew() {
				goal.ID = types.GoalID(uuid.NewString())
			}
			keep = append(keep, string(goal.ID))

			grantIDs, err := json.Marshal(goal.GrantIDs)
			if err != nil {
				return fmt.Errorf("marshal grant ids: %w", err)
			}
			objectives, err := json.Marshal(goal.Objectives)
			if err != nil {
				return fmt.Errorf("marshal objectives: %w", err)
			}
			prompts, err := json.Marshal(goal.Prompts)
			if err != nil {
				return fmt.Errorf("marshal prompts: %w", err)
			}

			if _, err := tx.Exec(ctx, `
INSERT INTO report_goals (id, report_id, region_id, name, end_date, status, source, grant_ids, objectives, prompts, actively_editing, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
ON CONFLICT (id) DO UPDATE SET
        name = EXCLUDED.name,
        end_date = EXCLUDED.end_date,
        status = EXCLUDED.status,
        source = EXCLUDED.source,
        grant_ids = EXCLUDED.grant_ids,
        objectives = EXCLUDED.objectives,
        prompts = EXCLUDED.prompts,
        actively_editing = EXCLUDED.actively_editing`,
				goal.ID, report, regionID, goal.Name, goal.EndDate, goal.Status, goal.Source,
				grantIDs, objectives, prompts, goal.ActivelyEditing,
			); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
DELETE FROM report_goals WHERE report_id = $1 AND NOT (id = ANY($2))`,
			report, keep,
		); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}

	return s.goalsFor(ctx, report)
}

// Fetch loads the report and its goals.
func (s *ReportStore) Fetch(ctx context.Context, id types.ReportID) (types.Report, []types.Goal, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, region_id, status, revision, form_data, page_state, goal_order, updated_at
FROM reports WHERE id = $1`, id)
	report, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Report{}, nil, ErrNotFound
	}
	if err != nil {
		return types.Report{}, nil, err
	}

	goals, err := s.goalsFor(ctx, id)
	if err != nil {
		return types.Report{}, nil, err
	}
	return report, goals, nil
}

// goalsFor returns the report's goals in backend creation order.
func (s *ReportStore) goalsFor(ctx context.Context, report types.ReportID) ([]types.Goal, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, name, end_date, status, source, grant_ids, objectives, prompts, actively_editing, created_at
FROM report_goals
WHERE report_id = $1
ORDER BY created_at, id`, report)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var goals []types.Goal
	for rows.Next() {
		var (
			goal            types.Goal
			grantIDs        []byte
			objectives      []byte
			prompts         []byte
			activelyEditing bool
		)
		if err := rows.Scan(&goal.ID, &goal.Name, &goal.EndDate, &goal.Status, &goal.Source,
			&grantIDs, &objectives, &prompts, &activelyEditing, &goal.CreatedAt); err != nil {
			return nil, err
		}
		if len(grantIDs) > 0 {
			if err := json.Unmarshal(grantIDs, &goal.GrantIDs); err != nil {
				return nil, fmt.Errorf("decode grant ids: %w", err)
			}
		}
		if len(objectives) > 0 {
			if err := json.Unmarshal(objectives, &goal.Objectives); err != nil {
				return nil, fmt.Errorf("decode objectives: %w", err)
			}
		}
		if len(prompts) > 0 {
			if err := json.Unmarshal(prompts, &goal.Prompts); err != nil {
				return nil, fmt.Errorf("decode prompts: %w", err)
			}
		}
		goal.ReportLinks = []types.ReportLink{{ReportID: report, ActivelyEditing: activelyEditing}}
		goals = append(goals, goal)
	}
	return goals, rows.Err()
}

func scanReport(row pgx.Row) (types.Report, error) {
	var (
		report    types.Report
		formData  []byte
		pageState []byte
		goalOrder []byte
	)
	if err := row.Scan(&report.ID, &report.RegionID, &report.Status, &report.Revision,
		&formData, &pageState, &goalOrder, &report.UpdatedAt); err != nil {
		return types.Report{}, err
	}
	if len(formData) > 0 {
		if err := json.Unmarshal(formData, &report.FormData); err != nil {
			return types.Report{}, fmt.Errorf("decode form data: %w", err)
		}
	}
	if len(pageState) > 0 {
		if err := json.Unmarshal(pageState, &report.PageState); err != nil {
			return types.Report{}, fmt.Errorf("decode page state: %w", err)
		}
	}
	if len(goalOrder) > 0 {
		if err := json.Unmarshal(goalOrder, &report.GoalOrder); err != nil {
			return types.Report{}, fmt.Errorf("decode goal order: %w", err)
		}
	}
	return report, nil
}

// UnarchivedSubmitted lists submitted reports that have no archive object
// yet.
func (s *ReportStore) UnarchivedSubmitted(ctx context.Context) ([]types.ReportID, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id FROM reports WHERE status = $1 AND archive_path IS NULL`, types.StatusSubmitted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []types.ReportID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, types.ReportID(id))
	}
	return ids, rows.Err()
}

// MarkArchived records the object path of the report's archive.
func (s *ReportStore) MarkArchived(ctx context.Context, id types.ReportID, objectPath string) error {
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
UPDATE reports SET archive_path = $2, archived_at = now() WHERE id = $1`, id, objectPath)
		return err
	})
}

func (s *ReportStore) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := s.retryDelay
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == s.maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
