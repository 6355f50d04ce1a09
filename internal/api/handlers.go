// Package api is the operator surface: send-now, test sends, dispatch
// status and the hosted view-online page.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/newsletter/internal/model"
	"github.com/ignite/newsletter/internal/queue"
	"github.com/ignite/newsletter/internal/template"
)

// Store is the persistence surface the API needs. *store.Store satisfies it.
type Store interface {
	GetCampaign(ctx context.Context, campaignID uuid.UUID) (*model.Campaign, error)
	GetCampaignBySlug(ctx context.Context, clientSlug, campaignSlug string) (*model.Campaign, error)
	GetClient(ctx context.Context, clientID uuid.UUID) (*model.Client, error)
	GetDispatch(ctx context.Context, dispatchID uuid.UUID) (*model.Dispatch, error)
	DispatchStats(ctx context.Context, d *model.Dispatch) (*model.DispatchStats, error)
	CountSubscribersForLists(ctx context.Context, listIDs []uuid.UUID) (int, error)
	ListIDsForClient(ctx context.Context, clientID uuid.UUID, listIDs []uuid.UUID) (bool, error)
}

// Runner executes a dispatch synchronously; the orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, campaignID uuid.UUID, listIDs []uuid.UUID, test bool) (*model.Dispatch, error)
}

// Submitter enqueues background jobs. *queue.Queue satisfies it.
type Submitter interface {
	Submit(ctx context.Context, name string, payload interface{}) error
}

// Handlers provides the operator HTTP API.
type Handlers struct {
	store             Store
	queue             Submitter
	runner            Runner
	engine            *template.Engine
	maxTestRecipients int
}

// NewHandlers creates the operator API handlers.
func NewHandlers(st Store, q Submitter, runner Runner, engine *template.Engine, maxTestRecipients int) *Handlers {
	return &Handlers{
		store:             st,
		queue:             q,
		runner:            runner,
		engine:            engine,
		maxTestRecipients: maxTestRecipients,
	}
}

// Register mounts the API on an existing router.
func (h *Handlers) Register(r chi.Router) {
	r.Post("/api/v1/campaigns/{campaignID}/send", h.HandleSendCampaign)
	r.Post("/api/v1/campaigns/{campaignID}/test", h.HandleTestCampaign)
	r.Get("/api/v1/dispatches/{dispatchID}", h.HandleGetDispatch)
	r.Get("/newsletter/{clientSlug}/{campaignSlug}", h.HandleViewOnline)
}

// Routes returns a standalone router with the API mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

type sendRequest struct {
	ListIDs []uuid.UUID `json:"list_ids"`
}

// loadSendRequest parses the campaign id and body and validates list
// ownership.
func (h *Handlers) loadSendRequest(w http.ResponseWriter, r *http.Request) (*model.Campaign, []uuid.UUID, bool) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return nil, nil, false
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return nil, nil, false
	}
	if len(req.ListIDs) == 0 {
		respondError(w, http.StatusBadRequest, "list_ids required")
		return nil, nil, false
	}

	campaign, err := h.store.GetCampaign(r.Context(), campaignID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load campaign")
		return nil, nil, false
	}
	if campaign == nil {
		respondError(w, http.StatusNotFound, "campaign not found")
		return nil, nil, false
	}

	owned, err := h.store.ListIDsForClient(r.Context(), campaign.ClientID, req.ListIDs)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to validate lists")
		return nil, nil, false
	}
	if !owned {
		respondError(w, http.StatusBadRequest, "lists do not belong to the campaign's client")
		return nil, nil, false
	}
	return campaign, req.ListIDs, true
}

// HandleSendCampaign queues a real dispatch and returns immediately.
func (h *Handlers) HandleSendCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, listIDs, ok := h.loadSendRequest(w, r)
	if !ok {
		return
	}

	payload := queue.DispatchPayload{CampaignID: campaign.ID, ListIDs: listIDs}
	if err := h.queue.Submit(r.Context(), queue.JobDispatchCampaign, payload); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to queue dispatch")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":      "queued",
		"campaign_id": campaign.ID,
		"queued_at":   time.Now().UTC(),
	})
}

// HandleTestCampaign runs a small synchronous test send. The recipient
// ceiling guards against accidentally test-sending a production list.
func (h *Handlers) HandleTestCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, listIDs, ok := h.loadSendRequest(w, r)
	if !ok {
		return
	}

	count, err := h.store.CountSubscribersForLists(r.Context(), listIDs)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to count recipients")
		return
	}
	if count > h.maxTestRecipients {
		respondError(w, http.StatusBadRequest,
			fmt.Sprintf("test send limited to %d recipients, selection has %d", h.maxTestRecipients, count))
		return
	}

	d, err := h.runner.Run(r.Context(), campaign.ID, listIDs, true)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// HandleGetDispatch returns a dispatch with its tracking stats.
func (h *Handlers) HandleGetDispatch(w http.ResponseWriter, r *http.Request) {
	dispatchID, err := uuid.Parse(chi.URLParam(r, "dispatchID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid dispatch id")
		return
	}

	d, err := h.store.GetDispatch(r.Context(), dispatchID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load dispatch")
		return
	}
	if d == nil {
		respondError(w, http.StatusNotFound, "dispatch not found")
		return
	}

	stats, err := h.store.DispatchStats(r.Context(), d)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"dispatch": d,
		"stats":    stats,
	})
}

// HandleViewOnline renders the hosted copy of a campaign. There is no
// dispatch or subscriber in scope: link directives pass through and no
// pixel is injected.
func (h *Handlers) HandleViewOnline(w http.ResponseWriter, r *http.Request) {
	clientSlug := chi.URLParam(r, "clientSlug")
	campaignSlug := chi.URLParam(r, "campaignSlug")

	campaign, err := h.store.GetCampaignBySlug(r.Context(), clientSlug, campaignSlug)
	if err != nil {
		http.Error(w, "failed to load campaign", http.StatusInternalServerError)
		return
	}
	if campaign == nil || !campaign.ViewOnline {
		http.NotFound(w, r)
		return
	}
	client, err := h.store.GetClient(r.Context(), campaign.ClientID)
	if err != nil || client == nil {
		http.NotFound(w, r)
		return
	}

	source := campaign.HTMLText
	contentType := "text/html; charset=utf-8"
	if source == "" {
		source = campaign.PlainText
		contentType = "text/plain; charset=utf-8"
	}

	tpl, err := h.engine.Parse(source)
	if err != nil {
		http.Error(w, "malformed campaign template", http.StatusInternalServerError)
		return
	}
	rendered, err := tpl.Render(map[string]interface{}{
		"id":     campaign.ID.String(),
		"domain": client.Domain,
		template.BindClient: map[string]interface{}{
			"id":   client.ID.String(),
			"name": client.Name,
			"slug": client.Slug,
			template.ClientSecretKey: client.SecretKey,
		},
	})
	if err != nil {
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write([]byte(rendered))
}
