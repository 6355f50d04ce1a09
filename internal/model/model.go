// Package model defines the newsletter data model: tenants, lists,
// subscribers, campaigns and the dispatch/tracking facts recorded for them.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tracking event types
const (
	TrackingOpen  = "open"
	TrackingClick = "click"
)

// Client is a tenant. SecretKey is generated once at creation and keys every
// HMAC signature produced on behalf of this tenant.
type Client struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	Slug      string    `json:"slug" db:"slug"`
	Domain    string    `json:"domain" db:"domain"`
	SecretKey string    `json:"-" db:"secret_key"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// SubscriberList is a named grouping of subscribers owned by one client.
type SubscriberList struct {
	ID       uuid.UUID `json:"id" db:"id"`
	ClientID uuid.UUID `json:"client_id" db:"client_id"`
	Name     string    `json:"name" db:"name"`
}

// Subscriber is an email address unique per (client, email). It belongs to
// zero or more lists.
type Subscriber struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	ClientID     uuid.UUID  `json:"client_id" db:"client_id"`
	Email        string     `json:"email" db:"email"`
	SubscribedAt time.Time  `json:"subscribed_at" db:"subscribed_at"`
	Info         string     `json:"info" db:"info"`
	OptIn        bool       `json:"opt_in" db:"opt_in"`
	OptInAt      *time.Time `json:"opt_in_at" db:"opt_in_at"`
}

// Topic is a sending identity: from name/address plus the unsubscribe-URL
// template resolved per recipient at send time.
type Topic struct {
	ID             uuid.UUID `json:"id" db:"id"`
	ClientID       uuid.UUID `json:"client_id" db:"client_id"`
	Name           string    `json:"name" db:"name"`
	SendingName    string    `json:"sending_name" db:"sending_name"`
	SendingAddress string    `json:"sending_address" db:"sending_address"`
	UnsubscribeURL string    `json:"unsubscribe_url" db:"unsubscribe_url"`
}

// FromHeader renders the "Name <address>" form used on outbound messages.
func (t *Topic) FromHeader() string {
	return fmt.Sprintf("%s <%s>", t.SendingName, t.SendingAddress)
}

// Campaign is a reusable message definition, independent of any send.
type Campaign struct {
	ID         uuid.UUID `json:"id" db:"id"`
	ClientID   uuid.UUID `json:"client_id" db:"client_id"`
	TopicID    uuid.UUID `json:"topic_id" db:"topic_id"`
	Name       string    `json:"name" db:"name"`
	Slug       string    `json:"slug" db:"slug"`
	Subject    string    `json:"subject" db:"subject"`
	PlainText  string    `json:"plain_text" db:"plain_text"`
	HTMLText   string    `json:"html_text" db:"html_text"`
	ViewOnline bool      `json:"view_online" db:"view_online"`
	InsertedAt time.Time `json:"inserted_at" db:"inserted_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Planning is a scheduled future dispatch, consumed exactly once by the
// scheduler sweep.
type Planning struct {
	ID         uuid.UUID   `json:"id" db:"id"`
	CampaignID uuid.UUID   `json:"campaign_id" db:"campaign_id"`
	ListIDs    []uuid.UUID `json:"list_ids" db:"-"`
	Schedule   time.Time   `json:"schedule" db:"schedule"`
	Sent       bool        `json:"sent" db:"sent"`
}

// Dispatch is one execution of "send campaign X to lists Y". It starts
// in-flight (error=false, success=false) and ends in exactly one terminal
// state: success=true, or error=true with ErrorMessage set.
type Dispatch struct {
	ID              uuid.UUID   `json:"id" db:"id"`
	CampaignID      uuid.UUID   `json:"campaign_id" db:"campaign_id"`
	ListIDs         []uuid.UUID `json:"list_ids" db:"-"`
	Test            bool        `json:"test" db:"test"`
	StartedAt       time.Time   `json:"started_at" db:"started_at"`
	FinishedAt      *time.Time  `json:"finished_at" db:"finished_at"`
	Error           bool        `json:"error" db:"error"`
	ErrorMessage    string      `json:"error_message" db:"error_message"`
	Success         bool        `json:"success" db:"success"`
	OpenTracking    bool        `json:"open_tracking" db:"open_tracking"`
	ClickTracking   bool        `json:"click_tracking" db:"click_tracking"`
	Sent            int         `json:"sent" db:"sent"`
	ErrorRecipients string      `json:"error_recipients" db:"error_recipients"`
}

// Tracking is one observed open or click, attributed to a
// (dispatch, subscriber) pair. For clicks, Notes holds the destination URL.
type Tracking struct {
	ID           uuid.UUID `json:"id" db:"id"`
	DispatchID   uuid.UUID `json:"dispatch_id" db:"dispatch_id"`
	SubscriberID uuid.UUID `json:"subscriber_id" db:"subscriber_id"`
	Type         string    `json:"type" db:"type"`
	Notes        string    `json:"notes" db:"notes"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// FailedEmail is an externally reported bounce. EmailID is the transport's
// unique message id and carries the idempotency guarantee: a second insert
// with the same EmailID violates a unique constraint.
type FailedEmail struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	ClientID     uuid.UUID  `json:"client_id" db:"client_id"`
	DispatchID   *uuid.UUID `json:"dispatch_id" db:"dispatch_id"`
	SubscriberID uuid.UUID  `json:"subscriber_id" db:"subscriber_id"`
	Datetime     time.Time  `json:"datetime" db:"datetime"`
	FromEmail    string     `json:"from_email" db:"from_email"`
	Status       string     `json:"status" db:"status"`
	Message      string     `json:"message" db:"message"`
	EmailID      string     `json:"email_id" db:"email_id"`
}

// Unsubscription is an aggregate-stats fact logged when a subscriber is
// deleted through the unsubscribe flow.
type Unsubscription struct {
	ID        uuid.UUID `json:"id" db:"id"`
	ClientID  uuid.UUID `json:"client_id" db:"client_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// DispatchStats summarizes tracking facts for one dispatch.
type DispatchStats struct {
	Sent          int     `json:"sent"`
	Opens         int     `json:"opens"`
	Clicks        int     `json:"clicks"`
	UniqueClicks  int     `json:"unique_clicks"`
	Bounces       int     `json:"bounces"`
	OpenRate      float64 `json:"open_rate"`
	ClickRate     float64 `json:"click_rate"`
	HasOpenStats  bool    `json:"has_open_stats"`
	HasClickStats bool    `json:"has_click_stats"`
}
