// Package trackingsrv serves the inbound tracking surface: the open beacon,
// the click redirect, the bounce webhook and the hosted unsubscribe
// endpoint. Everything here is unauthenticated except by signature.
package trackingsrv

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/newsletter/internal/model"
	"github.com/ignite/newsletter/internal/pkg/logger"
	"github.com/ignite/newsletter/internal/signing"
	"github.com/ignite/newsletter/internal/store"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// bounceTimeLayout is the datetime format the mail transport posts.
const bounceTimeLayout = "2006-01-02 15:04:05"

// Store is the persistence surface the handlers need. *store.Store
// satisfies it.
type Store interface {
	RecordOpen(ctx context.Context, dispatchID, subscriberID uuid.UUID) error
	RecordClick(ctx context.Context, dispatchID, subscriberID uuid.UUID, destination string) error
	InsertFailedEmail(ctx context.Context, f *model.FailedEmail) error
	ResolveBounceClient(ctx context.Context, fromEmail, recipient string) (*model.Client, *model.Subscriber, error)
	LatestDispatchBefore(ctx context.Context, clientID uuid.UUID, t time.Time, window time.Duration) (*uuid.UUID, error)
	GetSubscriber(ctx context.Context, subscriberID uuid.UUID) (*model.Subscriber, error)
	GetClient(ctx context.Context, clientID uuid.UUID) (*model.Client, error)
	DeleteSubscriber(ctx context.Context, subscriberID uuid.UUID) error
}

// Handler holds the tracking endpoints.
type Handler struct {
	store        Store
	signer       *signing.TrackingSigner
	apiKey       string
	apiSecret    string
	bounceWindow time.Duration
}

// NewHandler creates the tracking handler. apiKey/apiSecret authenticate the
// bounce webhook caller; bounceWindow bounds dispatch correlation.
func NewHandler(st Store, signer *signing.TrackingSigner, apiKey, apiSecret string, bounceWindow time.Duration) *Handler {
	return &Handler{
		store:        st,
		signer:       signer,
		apiKey:       apiKey,
		apiSecret:    apiSecret,
		bounceWindow: bounceWindow,
	}
}

// Register mounts the tracking surface on an existing router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/tracking/{dispatchID}/{subscriberID}/", h.HandleOpen)
	r.Get("/tracking/click/{dispatchID}/{subscriberID}/", h.HandleClick)
	r.Post("/webhooks/bounce", h.HandleBounce)
	r.Get("/unsubscribe/", h.HandleUnsubscribe)
}

// Routes returns a standalone router with the tracking surface mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// HandleOpen records an open and serves the pixel. A bad signature is a 404,
// indistinguishable from an unknown id.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	dispatchRaw := chi.URLParam(r, "dispatchID")
	subscriberRaw := chi.URLParam(r, "subscriberID")
	sig := r.URL.Query().Get("s")

	if !h.signer.Verify(sig, dispatchRaw, subscriberRaw) {
		http.NotFound(w, r)
		return
	}
	dispatchID, err := uuid.Parse(dispatchRaw)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	subscriberID, err := uuid.Parse(subscriberRaw)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	// The pixel is served even when the insert fails; a mail client asked
	// for an image and gets one.
	if err := h.store.RecordOpen(r.Context(), dispatchID, subscriberID); err != nil {
		log.Printf("[Tracking] open %s/%s: %v", dispatchID, subscriberID, err)
	}
	h.servePixel(w)
}

// HandleClick records a click and redirects to the destination. The
// signature covers the destination URL, so a valid dispatch/subscriber
// signature cannot be replayed against a different target.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	dispatchRaw := chi.URLParam(r, "dispatchID")
	subscriberRaw := chi.URLParam(r, "subscriberID")
	dest := r.URL.Query().Get("url")
	sig := r.URL.Query().Get("s")

	if dest == "" || !h.signer.Verify(sig, dispatchRaw, subscriberRaw, dest) {
		http.NotFound(w, r)
		return
	}
	dispatchID, err := uuid.Parse(dispatchRaw)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	subscriberID, err := uuid.Parse(subscriberRaw)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if err := h.store.RecordClick(r.Context(), dispatchID, subscriberID, dest); err != nil {
		log.Printf("[Tracking] click %s/%s: %v", dispatchID, subscriberID, err)
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

// bouncePayload is the webhook body posted by the mail transport.
type bouncePayload struct {
	Datetime  string `json:"datetime"`
	FromEmail string `json:"from_email"`
	Email     string `json:"email"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	EmailID   string `json:"email_id"`
}

// HandleBounce ingests a delivery failure report. The caller authenticates
// with the shared API key plus an HMAC signature over the raw body.
func (h *Handler) HandleBounce(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Api-Key") != h.apiKey {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}
	if !h.verifyBounceSignature(r.Header.Get("Authorization"), body) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload bouncePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if payload.EmailID == "" {
		http.Error(w, "missing email_id", http.StatusBadRequest)
		return
	}
	bouncedAt, err := time.Parse(bounceTimeLayout, payload.Datetime)
	if err != nil {
		http.Error(w, "malformed datetime", http.StatusBadRequest)
		return
	}

	client, sub, err := h.store.ResolveBounceClient(r.Context(), payload.FromEmail, payload.Email)
	if err != nil {
		http.Error(w, "resolution failed", http.StatusInternalServerError)
		return
	}
	if client == nil {
		http.Error(w, "cannot identify client for bounce", http.StatusBadRequest)
		return
	}

	// Best-effort correlation: the transport does not echo a dispatch id,
	// so the bounce attaches to the latest dispatch inside the window.
	dispatchID, err := h.store.LatestDispatchBefore(r.Context(), client.ID, bouncedAt, h.bounceWindow)
	if err != nil {
		http.Error(w, "correlation failed", http.StatusInternalServerError)
		return
	}

	failed := &model.FailedEmail{
		ClientID:     client.ID,
		DispatchID:   dispatchID,
		SubscriberID: sub.ID,
		Datetime:     bouncedAt,
		FromEmail:    payload.FromEmail,
		Status:       payload.Status,
		Message:      payload.Message,
		EmailID:      payload.EmailID,
	}
	if err := h.store.InsertFailedEmail(r.Context(), failed); err != nil {
		if err == store.ErrDuplicateBounce {
			http.Error(w, "bounce already recorded", http.StatusConflict)
			return
		}
		http.Error(w, "insert failed", http.StatusInternalServerError)
		return
	}

	log.Printf("[Tracking] bounce recorded: client=%s email=%s email_id=%s",
		client.Slug, logger.RedactEmail(payload.Email), payload.EmailID)
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "bounce recorded")
}

// verifyBounceSignature checks "Authorization: Signature <hex>" where the
// hex digest is HMAC-SHA256 of the raw body keyed by the shared secret.
func (h *Handler) verifyBounceSignature(header string, body []byte) bool {
	const prefix = "Signature "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.apiSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(header, prefix)))
}

// HandleUnsubscribe verifies the tenant-signed token embedded in the email
// and deletes the subscriber. Any verification failure is a 404.
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	idRaw := q.Get("id")
	email := q.Get("email")
	sig := q.Get("sig")

	subscriberID, err := uuid.Parse(idRaw)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	sub, err := h.store.GetSubscriber(r.Context(), subscriberID)
	if err != nil || sub == nil || sub.Email != email {
		http.NotFound(w, r)
		return
	}
	client, err := h.store.GetClient(r.Context(), sub.ClientID)
	if err != nil || client == nil {
		http.NotFound(w, r)
		return
	}

	// Query parsing unescaped the token; re-escape before comparing with
	// the embedded form.
	if !signing.VerifyClientToken(client.SecretKey, url.QueryEscape(sig), idRaw, email) {
		http.NotFound(w, r)
		return
	}

	if err := h.store.DeleteSubscriber(r.Context(), subscriberID); err != nil {
		http.Error(w, "unsubscribe failed", http.StatusInternalServerError)
		return
	}
	log.Printf("[Tracking] unsubscribed %s (client=%s)", logger.RedactEmail(email), client.Slug)
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "you have been unsubscribed")
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Write(pixelGIF)
}
