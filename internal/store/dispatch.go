package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/newsletter/internal/model"
)

// CreatePlanning schedules a future dispatch.
func (s *Store) CreatePlanning(ctx context.Context, p *model.Planning) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO newsletter_plannings (id, campaign_id, schedule, sent)
		VALUES ($1, $2, $3, false)`
	if _, err := tx.ExecContext(ctx, query, p.ID, p.CampaignID, p.Schedule); err != nil {
		return err
	}
	for _, listID := range p.ListIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO newsletter_planning_lists (planning_id, list_id) VALUES ($1, $2)`,
			p.ID, listID)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ClaimDuePlannings atomically marks due plannings sent and returns them.
// The conditional UPDATE makes concurrent sweeps claim each row at most
// once; sent flips to true whether or not the resulting dispatch succeeds.
func (s *Store) ClaimDuePlannings(ctx context.Context, now time.Time) ([]*model.Planning, error) {
	query := `UPDATE newsletter_plannings SET sent = true
		WHERE sent = false AND schedule <= $1
		RETURNING id, campaign_id, schedule`

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []*model.Planning
	for rows.Next() {
		p := &model.Planning{Sent: true}
		if err := rows.Scan(&p.ID, &p.CampaignID, &p.Schedule); err != nil {
			return nil, err
		}
		claimed = append(claimed, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range claimed {
		p.ListIDs, err = s.planningListIDs(ctx, p.ID)
		if err != nil {
			return nil, err
		}
	}
	return claimed, nil
}

func (s *Store) planningListIDs(ctx context.Context, planningID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT list_id FROM newsletter_planning_lists WHERE planning_id = $1`, planningID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateDispatch records the start of a dispatch and snapshots the selected
// lists. The row starts in-flight: error=false, success=false.
func (s *Store) CreateDispatch(ctx context.Context, d *model.Dispatch) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.StartedAt = time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO newsletter_dispatches (id, campaign_id, test, started_at,
		error, success, open_tracking, click_tracking, sent, error_recipients)
		VALUES ($1, $2, $3, $4, false, false, false, false, 0, '')`
	if _, err := tx.ExecContext(ctx, query, d.ID, d.CampaignID, d.Test, d.StartedAt); err != nil {
		return err
	}
	for _, listID := range d.ListIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO newsletter_dispatch_lists (dispatch_id, list_id) VALUES ($1, $2)`,
			d.ID, listID)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// FinishDispatchSuccess moves a dispatch to its success terminal state.
// Per-recipient failures live in errorRecipients and do not fail the
// dispatch.
func (s *Store) FinishDispatchSuccess(ctx context.Context, dispatchID uuid.UUID,
	sent int, errorRecipients string, openTracking, clickTracking bool) error {
	query := `UPDATE newsletter_dispatches
		SET success = true, error = false, finished_at = $2, sent = $3,
			error_recipients = $4, open_tracking = $5, click_tracking = $6
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, dispatchID, time.Now(), sent,
		errorRecipients, openTracking, clickTracking)
	return err
}

// FinishDispatchError moves a dispatch to its error terminal state.
func (s *Store) FinishDispatchError(ctx context.Context, dispatchID uuid.UUID, message string) error {
	query := `UPDATE newsletter_dispatches
		SET error = true, success = false, finished_at = $2, error_message = $3
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, dispatchID, time.Now(), message)
	return err
}

// GetDispatch retrieves a dispatch with its list snapshot.
func (s *Store) GetDispatch(ctx context.Context, dispatchID uuid.UUID) (*model.Dispatch, error) {
	query := `SELECT id, campaign_id, test, started_at, finished_at, error,
		COALESCE(error_message, ''), success, open_tracking, click_tracking, sent, error_recipients
		FROM newsletter_dispatches WHERE id = $1`

	d := &model.Dispatch{}
	err := s.db.QueryRowContext(ctx, query, dispatchID).Scan(
		&d.ID, &d.CampaignID, &d.Test, &d.StartedAt, &d.FinishedAt, &d.Error,
		&d.ErrorMessage, &d.Success, &d.OpenTracking, &d.ClickTracking, &d.Sent, &d.ErrorRecipients)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT list_id FROM newsletter_dispatch_lists WHERE dispatch_id = $1`, dispatchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		d.ListIDs = append(d.ListIDs, id)
	}
	return d, rows.Err()
}

// LatestDispatchBefore returns the id of the most recent non-test dispatch
// for a client finished inside [t-window, t]. Best-effort bounce
// correlation; under concurrent campaigns to the same address it can attach
// to the wrong dispatch.
func (s *Store) LatestDispatchBefore(ctx context.Context, clientID uuid.UUID,
	t time.Time, window time.Duration) (*uuid.UUID, error) {
	query := `SELECT d.id
		FROM newsletter_dispatches d
		JOIN newsletter_campaigns c ON c.id = d.campaign_id
		WHERE c.client_id = $1 AND d.test = false
			AND d.finished_at IS NOT NULL
			AND d.finished_at <= $2 AND d.finished_at >= $3
		ORDER BY d.finished_at DESC LIMIT 1`

	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, query, clientID, t, t.Add(-window)).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// ListIDsForClient validates that every given list belongs to the client.
func (s *Store) ListIDsForClient(ctx context.Context, clientID uuid.UUID, listIDs []uuid.UUID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM newsletter_lists WHERE client_id = $1 AND id = ANY($2)`,
		clientID, pq.Array(listIDs)).Scan(&n)
	return n == len(listIDs), err
}
