package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/newsletter/internal/model"
)

// RecordOpen idempotently records an open for a (dispatch, subscriber) pair.
// The partial unique index makes concurrent first-opens insert exactly one
// row; repeats are no-ops.
func (s *Store) RecordOpen(ctx context.Context, dispatchID, subscriberID uuid.UUID) error {
	query := `INSERT INTO newsletter_trackings (id, dispatch_id, subscriber_id, type, notes, created_at)
		VALUES ($1, $2, $3, 'open', '', $4)
		ON CONFLICT (dispatch_id, subscriber_id) WHERE type = 'open' DO NOTHING`
	_, err := s.db.ExecContext(ctx, query, uuid.New(), dispatchID, subscriberID, time.Now())
	return err
}

// RecordClick records a click with the destination URL. Clicks are not
// deduplicated: every call adds a row.
func (s *Store) RecordClick(ctx context.Context, dispatchID, subscriberID uuid.UUID, destination string) error {
	query := `INSERT INTO newsletter_trackings (id, dispatch_id, subscriber_id, type, notes, created_at)
		VALUES ($1, $2, $3, 'click', $4, $5)`
	_, err := s.db.ExecContext(ctx, query, uuid.New(), dispatchID, subscriberID, destination, time.Now())
	return err
}

// InsertFailedEmail records a bounce keyed by the transport's unique
// email_id. A duplicate delivery returns ErrDuplicateBounce.
func (s *Store) InsertFailedEmail(ctx context.Context, f *model.FailedEmail) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	query := `INSERT INTO newsletter_failed_emails (id, client_id, dispatch_id, subscriber_id,
		datetime, from_email, status, message, email_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.ExecContext(ctx, query, f.ID, f.ClientID, f.DispatchID, f.SubscriberID,
		f.Datetime, f.FromEmail, f.Status, f.Message, f.EmailID)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateBounce
	}
	return err
}

// ResolveBounceClient infers the tenant of a bounce from the sending address
// and the bounced recipient: the client owning a topic with that
// sending_address who also has a subscriber with that email. The webhook
// payload carries no tenant id, so this join is the attribution.
func (s *Store) ResolveBounceClient(ctx context.Context, fromEmail, recipient string) (*model.Client, *model.Subscriber, error) {
	query := `SELECT cl.id, cl.user_id, cl.name, cl.slug, cl.domain, cl.secret_key, cl.created_at,
		s.id, s.client_id, s.email, s.subscribed_at, s.info, s.opt_in, s.opt_in_at
		FROM newsletter_clients cl
		JOIN newsletter_topics t ON t.client_id = cl.id
		JOIN newsletter_subscribers s ON s.client_id = cl.id
		WHERE t.sending_address = $1 AND s.email = $2
		LIMIT 1`

	c := &model.Client{}
	sub := &model.Subscriber{}
	err := s.db.QueryRowContext(ctx, query, fromEmail, recipient).Scan(
		&c.ID, &c.UserID, &c.Name, &c.Slug, &c.Domain, &c.SecretKey, &c.CreatedAt,
		&sub.ID, &sub.ClientID, &sub.Email, &sub.SubscribedAt, &sub.Info, &sub.OptIn, &sub.OptInAt)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return c, sub, nil
}

// DispatchStats aggregates tracking facts for a dispatch. Rates follow the
// reporting rules: open rate counts rows (opens are already unique per
// subscriber), click rate counts unique clickers, and neither is reported
// when the dispatch failed or its template never embedded the hook.
func (s *Store) DispatchStats(ctx context.Context, d *model.Dispatch) (*model.DispatchStats, error) {
	stats := &model.DispatchStats{
		Sent:          d.Sent,
		HasOpenStats:  !d.Error && d.OpenTracking,
		HasClickStats: !d.Error && d.ClickTracking,
	}

	query := `SELECT
		COUNT(*) FILTER (WHERE type = 'open'),
		COUNT(*) FILTER (WHERE type = 'click'),
		COUNT(DISTINCT subscriber_id) FILTER (WHERE type = 'click')
		FROM newsletter_trackings WHERE dispatch_id = $1`
	err := s.db.QueryRowContext(ctx, query, d.ID).Scan(&stats.Opens, &stats.Clicks, &stats.UniqueClicks)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM newsletter_failed_emails WHERE dispatch_id = $1`, d.ID).
		Scan(&stats.Bounces)
	if err != nil {
		return nil, err
	}

	if d.Sent > 0 {
		if stats.HasOpenStats {
			stats.OpenRate = round1(100 * float64(stats.Opens) / float64(d.Sent))
		}
		if stats.HasClickStats {
			stats.ClickRate = round1(100 * float64(stats.UniqueClicks) / float64(d.Sent))
		}
	}
	return stats, nil
}

func round1(f float64) float64 {
	return float64(int(f*10+0.5)) / 10
}
