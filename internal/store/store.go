// Package store provides Postgres persistence for the newsletter data model.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/newsletter/internal/model"
)

// ErrDuplicateBounce is returned when a bounce with an already-recorded
// email_id is inserted. Duplicate webhook deliveries surface this to the
// caller instead of silently double-recording.
var ErrDuplicateBounce = errors.New("bounce already recorded for email_id")

// Store provides database operations for newsletter entities.
type Store struct {
	db *sql.DB
}

// New creates a store around an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewSecretKey generates a tenant secret. Called once at client creation;
// the key is never rotated through normal flows.
func NewSecretKey() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// CreateClient creates a tenant, generating its secret key when absent.
func (s *Store) CreateClient(ctx context.Context, c *model.Client) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.SecretKey == "" {
		c.SecretKey = NewSecretKey()
	}
	c.CreatedAt = time.Now()

	query := `INSERT INTO newsletter_clients (id, user_id, name, slug, domain, secret_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query, c.ID, c.UserID, c.Name, c.Slug, c.Domain, c.SecretKey, c.CreatedAt)
	return err
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID uuid.UUID) (*model.Client, error) {
	query := `SELECT id, user_id, name, slug, domain, secret_key, created_at
		FROM newsletter_clients WHERE id = $1`

	c := &model.Client{}
	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&c.ID, &c.UserID, &c.Name, &c.Slug, &c.Domain, &c.SecretKey, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetClientBySlug retrieves a client by its routable slug.
func (s *Store) GetClientBySlug(ctx context.Context, slug string) (*model.Client, error) {
	query := `SELECT id, user_id, name, slug, domain, secret_key, created_at
		FROM newsletter_clients WHERE slug = $1`

	c := &model.Client{}
	err := s.db.QueryRowContext(ctx, query, slug).Scan(
		&c.ID, &c.UserID, &c.Name, &c.Slug, &c.Domain, &c.SecretKey, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// CreateList creates a subscriber list.
func (s *Store) CreateList(ctx context.Context, l *model.SubscriberList) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	query := `INSERT INTO newsletter_lists (id, client_id, name) VALUES ($1, $2, $3)`
	_, err := s.db.ExecContext(ctx, query, l.ID, l.ClientID, l.Name)
	return err
}

// CreateSubscriber creates a subscriber. Email is unique per client.
func (s *Store) CreateSubscriber(ctx context.Context, sub *model.Subscriber) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	sub.Email = strings.ToLower(strings.TrimSpace(sub.Email))
	sub.SubscribedAt = time.Now()

	query := `INSERT INTO newsletter_subscribers (id, client_id, email, subscribed_at, info, opt_in, opt_in_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query, sub.ID, sub.ClientID, sub.Email,
		sub.SubscribedAt, sub.Info, sub.OptIn, sub.OptInAt)
	return err
}

// AddSubscriberToList adds a membership; re-adding is a no-op.
func (s *Store) AddSubscriberToList(ctx context.Context, subscriberID, listID uuid.UUID) error {
	query := `INSERT INTO newsletter_subscriber_lists (subscriber_id, list_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := s.db.ExecContext(ctx, query, subscriberID, listID)
	return err
}

// GetSubscriber retrieves a subscriber by ID.
func (s *Store) GetSubscriber(ctx context.Context, subscriberID uuid.UUID) (*model.Subscriber, error) {
	query := `SELECT id, client_id, email, subscribed_at, info, opt_in, opt_in_at
		FROM newsletter_subscribers WHERE id = $1`

	sub := &model.Subscriber{}
	err := s.db.QueryRowContext(ctx, query, subscriberID).Scan(
		&sub.ID, &sub.ClientID, &sub.Email, &sub.SubscribedAt, &sub.Info, &sub.OptIn, &sub.OptInAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

// SubscribersForLists returns the distinct union of subscribers across the
// given lists. A subscriber on several of the lists appears exactly once.
func (s *Store) SubscribersForLists(ctx context.Context, listIDs []uuid.UUID) ([]*model.Subscriber, error) {
	query := `SELECT DISTINCT s.id, s.client_id, s.email, s.subscribed_at, s.info, s.opt_in, s.opt_in_at
		FROM newsletter_subscribers s
		JOIN newsletter_subscriber_lists sl ON sl.subscriber_id = s.id
		WHERE sl.list_id = ANY($1)
		ORDER BY s.email`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(listIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*model.Subscriber
	for rows.Next() {
		sub := &model.Subscriber{}
		if err := rows.Scan(&sub.ID, &sub.ClientID, &sub.Email, &sub.SubscribedAt,
			&sub.Info, &sub.OptIn, &sub.OptInAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// CountSubscribersForLists counts the distinct union, used by the test-send
// recipient ceiling guard.
func (s *Store) CountSubscribersForLists(ctx context.Context, listIDs []uuid.UUID) (int, error) {
	query := `SELECT COUNT(DISTINCT sl.subscriber_id)
		FROM newsletter_subscriber_lists sl WHERE sl.list_id = ANY($1)`

	var n int
	err := s.db.QueryRowContext(ctx, query, pq.Array(listIDs)).Scan(&n)
	return n, err
}

// DeleteSubscriber removes a subscriber and logs an Unsubscription fact for
// aggregate stats, in one transaction.
func (s *Store) DeleteSubscriber(ctx context.Context, subscriberID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var clientID uuid.UUID
	err = tx.QueryRowContext(ctx,
		`DELETE FROM newsletter_subscribers WHERE id = $1 RETURNING client_id`,
		subscriberID).Scan(&clientID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO newsletter_unsubscriptions (id, client_id, created_at) VALUES ($1, $2, $3)`,
		uuid.New(), clientID, time.Now())
	if err != nil {
		return err
	}
	return tx.Commit()
}

// CreateTopic creates a sending identity.
func (s *Store) CreateTopic(ctx context.Context, t *model.Topic) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	query := `INSERT INTO newsletter_topics (id, client_id, name, sending_name, sending_address, unsubscribe_url)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.ExecContext(ctx, query, t.ID, t.ClientID, t.Name, t.SendingName, t.SendingAddress, t.UnsubscribeURL)
	return err
}

// GetTopic retrieves a topic by ID.
func (s *Store) GetTopic(ctx context.Context, topicID uuid.UUID) (*model.Topic, error) {
	query := `SELECT id, client_id, name, sending_name, sending_address, unsubscribe_url
		FROM newsletter_topics WHERE id = $1`

	t := &model.Topic{}
	err := s.db.QueryRowContext(ctx, query, topicID).Scan(
		&t.ID, &t.ClientID, &t.Name, &t.SendingName, &t.SendingAddress, &t.UnsubscribeURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// CreateCampaign creates a campaign definition.
func (s *Store) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.InsertedAt = time.Now()
	c.UpdatedAt = c.InsertedAt

	query := `INSERT INTO newsletter_campaigns (id, client_id, topic_id, name, slug, subject,
		plain_text, html_text, view_online, inserted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.db.ExecContext(ctx, query, c.ID, c.ClientID, c.TopicID, c.Name, c.Slug,
		c.Subject, c.PlainText, c.HTMLText, c.ViewOnline, c.InsertedAt, c.UpdatedAt)
	return err
}

// GetCampaign retrieves a campaign by ID.
func (s *Store) GetCampaign(ctx context.Context, campaignID uuid.UUID) (*model.Campaign, error) {
	query := `SELECT id, client_id, topic_id, name, slug, subject, plain_text, html_text,
		view_online, inserted_at, updated_at
		FROM newsletter_campaigns WHERE id = $1`

	c := &model.Campaign{}
	err := s.db.QueryRowContext(ctx, query, campaignID).Scan(
		&c.ID, &c.ClientID, &c.TopicID, &c.Name, &c.Slug, &c.Subject,
		&c.PlainText, &c.HTMLText, &c.ViewOnline, &c.InsertedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetCampaignBySlug retrieves a campaign by client and campaign slugs, used
// by the view-online endpoint.
func (s *Store) GetCampaignBySlug(ctx context.Context, clientSlug, campaignSlug string) (*model.Campaign, error) {
	query := `SELECT c.id, c.client_id, c.topic_id, c.name, c.slug, c.subject, c.plain_text,
		c.html_text, c.view_online, c.inserted_at, c.updated_at
		FROM newsletter_campaigns c
		JOIN newsletter_clients cl ON cl.id = c.client_id
		WHERE cl.slug = $1 AND c.slug = $2`

	c := &model.Campaign{}
	err := s.db.QueryRowContext(ctx, query, clientSlug, campaignSlug).Scan(
		&c.ID, &c.ClientID, &c.TopicID, &c.Name, &c.Slug, &c.Subject,
		&c.PlainText, &c.HTMLText, &c.ViewOnline, &c.InsertedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}
