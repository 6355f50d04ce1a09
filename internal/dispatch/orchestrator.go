// Package dispatch runs campaign sends: one Dispatch row per execution,
// per-recipient rendering and handoff to the mail transport, and terminal
// bookkeeping on the row.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/newsletter/internal/mailer"
	"github.com/ignite/newsletter/internal/model"
	"github.com/ignite/newsletter/internal/pkg/logger"
	"github.com/ignite/newsletter/internal/template"
)

// Store is the persistence surface the orchestrator needs. *store.Store
// satisfies it; tests supply fakes.
type Store interface {
	GetCampaign(ctx context.Context, campaignID uuid.UUID) (*model.Campaign, error)
	GetTopic(ctx context.Context, topicID uuid.UUID) (*model.Topic, error)
	GetClient(ctx context.Context, clientID uuid.UUID) (*model.Client, error)
	CreateDispatch(ctx context.Context, d *model.Dispatch) error
	SubscribersForLists(ctx context.Context, listIDs []uuid.UUID) ([]*model.Subscriber, error)
	FinishDispatchSuccess(ctx context.Context, dispatchID uuid.UUID, sent int,
		errorRecipients string, openTracking, clickTracking bool) error
	FinishDispatchError(ctx context.Context, dispatchID uuid.UUID, message string) error
}

// Orchestrator executes dispatches.
type Orchestrator struct {
	store   Store
	engine  *template.Engine
	mailer  mailer.Mailer
	baseURL string
}

// New creates an orchestrator. baseURL is the public origin used for
// view-online links.
func New(store Store, engine *template.Engine, m mailer.Mailer, baseURL string) *Orchestrator {
	return &Orchestrator{
		store:   store,
		engine:  engine,
		mailer:  m,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Run sends a campaign to the distinct union of subscribers across the given
// lists. It creates the Dispatch row, then drives it to exactly one terminal
// state: success (per-recipient failures collected on the row) or error
// (compile or list-resolution failure). The returned Dispatch reflects the
// terminal state.
func (o *Orchestrator) Run(ctx context.Context, campaignID uuid.UUID, listIDs []uuid.UUID, test bool) (*model.Dispatch, error) {
	campaign, err := o.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if campaign == nil {
		return nil, fmt.Errorf("campaign %s not found", campaignID)
	}
	topic, err := o.store.GetTopic(ctx, campaign.TopicID)
	if err != nil {
		return nil, fmt.Errorf("load topic: %w", err)
	}
	if topic == nil {
		return nil, fmt.Errorf("topic %s not found", campaign.TopicID)
	}
	client, err := o.store.GetClient(ctx, campaign.ClientID)
	if err != nil {
		return nil, fmt.Errorf("load client: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("client %s not found", campaign.ClientID)
	}

	d := &model.Dispatch{CampaignID: campaign.ID, ListIDs: listIDs, Test: test}
	if err := o.store.CreateDispatch(ctx, d); err != nil {
		return nil, fmt.Errorf("create dispatch: %w", err)
	}
	log.Printf("[Dispatch] %s started: campaign=%s lists=%d test=%v", d.ID, campaign.Name, len(listIDs), test)

	if err := o.execute(ctx, d, campaign, topic, client); err != nil {
		d.Error = true
		d.ErrorMessage = err.Error()
		if ferr := o.store.FinishDispatchError(ctx, d.ID, err.Error()); ferr != nil {
			log.Printf("[Dispatch] %s: recording error state failed: %v", d.ID, ferr)
		}
		log.Printf("[Dispatch] %s failed: %v", d.ID, err)
		return d, nil
	}

	if err := o.store.FinishDispatchSuccess(ctx, d.ID, d.Sent, d.ErrorRecipients,
		d.OpenTracking, d.ClickTracking); err != nil {
		return d, fmt.Errorf("finish dispatch: %w", err)
	}
	d.Success = true
	log.Printf("[Dispatch] %s finished: sent=%d failed=%d", d.ID, d.Sent, failedCount(d.ErrorRecipients))
	return d, nil
}

// execute compiles the templates once, then renders and hands off one message
// per recipient. A returned error is dispatch-fatal; per-recipient failures
// are accumulated on d and never returned.
func (o *Orchestrator) execute(ctx context.Context, d *model.Dispatch,
	campaign *model.Campaign, topic *model.Topic, client *model.Client) error {

	var unsubTpl *template.Template
	var err error
	if topic.UnsubscribeURL != "" {
		if unsubTpl, err = o.engine.Parse(topic.UnsubscribeURL); err != nil {
			return fmt.Errorf("unsubscribe template: %w", err)
		}
	}
	plainTpl, err := o.engine.Parse(campaign.PlainText)
	if err != nil {
		return fmt.Errorf("plain template: %w", err)
	}
	var htmlTpl *template.Template
	if campaign.HTMLText != "" {
		if htmlTpl, err = o.engine.Parse(campaign.HTMLText); err != nil {
			return fmt.Errorf("html template: %w", err)
		}
	}

	subscribers, err := o.store.SubscribersForLists(ctx, d.ListIDs)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}

	// Tracking capability is a property of the campaign template, decided
	// once here, not of any individual recipient's render.
	d.ClickTracking = template.UsesLinkTag(campaign.HTMLText) || template.UsesLinkTag(campaign.PlainText)
	d.OpenTracking = campaign.HTMLText != "" && strings.Contains(campaign.HTMLText, "</body>")

	from := topic.FromHeader()
	var failed []string
	for _, sub := range subscribers {
		msg, err := o.renderMessage(d, campaign, client, unsubTpl, plainTpl, htmlTpl, sub, from)
		if err != nil {
			log.Printf("[Dispatch] %s: render for %s failed: %v", d.ID, logger.RedactEmail(sub.Email), err)
			failed = append(failed, sub.Email)
			continue
		}
		if err := o.mailer.Send(ctx, msg); err != nil {
			log.Printf("[Dispatch] %s: send to %s failed: %v", d.ID, logger.RedactEmail(sub.Email), err)
			failed = append(failed, sub.Email)
			continue
		}
		d.Sent++
	}
	d.ErrorRecipients = strings.Join(failed, ",")
	return nil
}

// renderMessage builds the per-recipient bindings and renders one outbound
// message from the precompiled templates.
func (o *Orchestrator) renderMessage(d *model.Dispatch, campaign *model.Campaign,
	client *model.Client, unsubTpl, plainTpl, htmlTpl *template.Template,
	sub *model.Subscriber, from string) (*mailer.Message, error) {

	clientMap := map[string]interface{}{
		"id":   client.ID.String(),
		"name": client.Name,
		"slug": client.Slug,
		template.ClientSecretKey: client.SecretKey,
	}

	bindings := map[string]interface{}{
		"id":                    campaign.ID.String(),
		"email":                 sub.Email,
		"subscription_datetime": sub.SubscribedAt.Format("2006-01-02 15:04:05"),
		"domain":                client.Domain,
		template.BindDispatchID:   d.ID.String(),
		template.BindSubscriberID: sub.ID.String(),
		template.BindClient:       clientMap,
	}
	if campaign.ViewOnline {
		bindings["view_online_url"] = fmt.Sprintf("%s/newsletter/%s/%s", o.baseURL, client.Slug, campaign.Slug)
	}
	if unsubTpl != nil {
		// The topic unsubscribe template has its own context: id is the
		// subscriber id here, not the campaign id, so {% encrypt id email %}
		// signs the pair the unsubscribe endpoint verifies.
		unsubURL, err := unsubTpl.Render(map[string]interface{}{
			"id":                    sub.ID.String(),
			"email":                 sub.Email,
			"subscription_datetime": sub.SubscribedAt.Format("2006-01-02 15:04:05"),
			"domain":                client.Domain,
			template.BindClient:     clientMap,
		})
		if err != nil {
			return nil, fmt.Errorf("render unsubscribe url: %w", err)
		}
		bindings["unsubscribe_url"] = unsubURL
	}

	plain, err := plainTpl.Render(bindings)
	if err != nil {
		return nil, fmt.Errorf("render plain body: %w", err)
	}

	var html string
	if htmlTpl != nil {
		if html, err = htmlTpl.Render(bindings); err != nil {
			return nil, fmt.Errorf("render html body: %w", err)
		}
		html = o.injectPixel(html, d.ID.String(), sub.ID.String())
	}

	return &mailer.Message{
		To:         sub.Email,
		From:       from,
		Subject:    campaign.Subject,
		Text:       plain,
		HTML:       html,
		DispatchID: d.ID.String(),
	}, nil
}

// injectPixel places the signed open beacon immediately before the closing
// body tag. Bodies without one go out untouched and open tracking stays off
// for that message.
func (o *Orchestrator) injectPixel(html, dispatchID, subscriberID string) string {
	idx := strings.LastIndex(html, "</body>")
	if idx < 0 {
		return html
	}
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" />`,
		o.engine.OpenPixelURL(dispatchID, subscriberID))
	return html[:idx] + pixel + html[idx:]
}

func failedCount(errorRecipients string) int {
	if errorRecipients == "" {
		return 0
	}
	return strings.Count(errorRecipients, ",") + 1
}
