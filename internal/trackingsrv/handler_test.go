package trackingsrv

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter/internal/model"
	"github.com/ignite/newsletter/internal/signing"
	"github.com/ignite/newsletter/internal/store"
)

type recordedClick struct {
	dispatchID   uuid.UUID
	subscriberID uuid.UUID
	destination  string
}

type fakeStore struct {
	opens   map[string]bool
	clicks  []recordedClick
	bounces map[string]*model.FailedEmail

	client         *model.Client
	sub            *model.Subscriber
	latestDispatch *uuid.UUID
	deleted        []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		opens:   make(map[string]bool),
		bounces: make(map[string]*model.FailedEmail),
	}
}

func (f *fakeStore) RecordOpen(_ context.Context, dispatchID, subscriberID uuid.UUID) error {
	f.opens[dispatchID.String()+"|"+subscriberID.String()] = true
	return nil
}

func (f *fakeStore) RecordClick(_ context.Context, dispatchID, subscriberID uuid.UUID, destination string) error {
	f.clicks = append(f.clicks, recordedClick{dispatchID, subscriberID, destination})
	return nil
}

func (f *fakeStore) InsertFailedEmail(_ context.Context, fe *model.FailedEmail) error {
	if _, dup := f.bounces[fe.EmailID]; dup {
		return store.ErrDuplicateBounce
	}
	f.bounces[fe.EmailID] = fe
	return nil
}

func (f *fakeStore) ResolveBounceClient(_ context.Context, fromEmail, recipient string) (*model.Client, *model.Subscriber, error) {
	if f.client == nil || f.sub == nil || f.sub.Email != recipient {
		return nil, nil, nil
	}
	return f.client, f.sub, nil
}

func (f *fakeStore) LatestDispatchBefore(_ context.Context, _ uuid.UUID, _ time.Time, _ time.Duration) (*uuid.UUID, error) {
	return f.latestDispatch, nil
}

func (f *fakeStore) GetSubscriber(_ context.Context, subscriberID uuid.UUID) (*model.Subscriber, error) {
	if f.sub != nil && f.sub.ID == subscriberID {
		return f.sub, nil
	}
	return nil, nil
}

func (f *fakeStore) GetClient(_ context.Context, clientID uuid.UUID) (*model.Client, error) {
	if f.client != nil && f.client.ID == clientID {
		return f.client, nil
	}
	return nil, nil
}

func (f *fakeStore) DeleteSubscriber(_ context.Context, subscriberID uuid.UUID) error {
	f.deleted = append(f.deleted, subscriberID)
	return nil
}

const (
	testAPIKey    = "transport-key"
	testAPISecret = "transport-secret"
)

func setup(t *testing.T) (*fakeStore, *signing.TrackingSigner, chi.Router) {
	t.Helper()
	fs := newFakeStore()
	signer := signing.NewTrackingSigner("tracking-key")
	h := NewHandler(fs, signer, testAPIKey, testAPISecret, 6*time.Hour)
	return fs, signer, h.Routes()
}

// mutate flips the first character to another valid hex digit.
func mutate(s string) string {
	c := byte('a')
	if s[0] == 'a' {
		c = 'b'
	}
	return string(c) + s[1:]
}

func TestOpenBeaconIdempotent(t *testing.T) {
	fs, signer, router := setup(t)
	d, s := uuid.New(), uuid.New()
	target := fmt.Sprintf("/tracking/%s/%s/?s=%s", d, s, signer.Sign(d.String(), s.String()))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
		assert.Equal(t, pixelGIF, rec.Body.Bytes())
	}
	assert.Len(t, fs.opens, 1)
}

func TestOpenBeaconBadSignature(t *testing.T) {
	fs, signer, router := setup(t)
	d, s := uuid.New(), uuid.New()
	sig := signer.Sign(d.String(), s.String())

	for _, target := range []string{
		fmt.Sprintf("/tracking/%s/%s/?s=%s", mutate(d.String()), s, sig),
		fmt.Sprintf("/tracking/%s/%s/?s=%s", d, mutate(s.String()), sig),
		fmt.Sprintf("/tracking/%s/%s/?s=%s", d, s, mutate(sig)),
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
	}
	assert.Empty(t, fs.opens)
}

func TestClickRedirectRecordsEveryClick(t *testing.T) {
	fs, signer, router := setup(t)
	d, s := uuid.New(), uuid.New()
	dest := "https://acme.com/post?ref=nl"
	sig := signer.Sign(d.String(), s.String(), dest)
	target := fmt.Sprintf("/tracking/click/%s/%s/?url=%s&s=%s", d, s, url.QueryEscape(dest), sig)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
		require.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, dest, rec.Header().Get("Location"))
	}
	require.Len(t, fs.clicks, 3)
	assert.Equal(t, dest, fs.clicks[0].destination)
}

func TestClickRedirectTamperedURL(t *testing.T) {
	fs, signer, router := setup(t)
	d, s := uuid.New(), uuid.New()
	dest := "https://acme.com/post"
	sig := signer.Sign(d.String(), s.String(), dest)

	evil := "https://evil.example.com/"
	target := fmt.Sprintf("/tracking/click/%s/%s/?url=%s&s=%s", d, s, url.QueryEscape(evil), sig)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, fs.clicks)
}

func bounceBody(emailID, datetime string) []byte {
	return []byte(fmt.Sprintf(`{"datetime":%q,"from_email":"news@acme.com","email":"a@x.com","status":"5.1.1","message":"user unknown","email_id":%q}`,
		datetime, emailID))
}

func signedBounceRequest(body []byte) *http.Request {
	mac := hmac.New(sha256.New, []byte(testAPISecret))
	mac.Write(body)
	req := httptest.NewRequest("POST", "/webhooks/bounce", bytes.NewReader(body))
	req.Header.Set("X-Api-Key", testAPIKey)
	req.Header.Set("Authorization", "Signature "+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestBounceWebhook(t *testing.T) {
	fs, _, router := setup(t)
	clientID := uuid.New()
	dispatchID := uuid.New()
	fs.client = &model.Client{ID: clientID, Slug: "acme"}
	fs.sub = &model.Subscriber{ID: uuid.New(), ClientID: clientID, Email: "a@x.com"}
	fs.latestDispatch = &dispatchID

	body := bounceBody("msg-123", "2026-08-30 10:15:00")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedBounceRequest(body))

	require.Equal(t, http.StatusOK, rec.Code)
	fe := fs.bounces["msg-123"]
	require.NotNil(t, fe)
	assert.Equal(t, clientID, fe.ClientID)
	assert.Equal(t, &dispatchID, fe.DispatchID)
	assert.Equal(t, fs.sub.ID, fe.SubscriberID)
	assert.Equal(t, "5.1.1", fe.Status)
}

func TestBounceWebhookDuplicate(t *testing.T) {
	fs, _, router := setup(t)
	clientID := uuid.New()
	fs.client = &model.Client{ID: clientID, Slug: "acme"}
	fs.sub = &model.Subscriber{ID: uuid.New(), ClientID: clientID, Email: "a@x.com"}

	body := bounceBody("msg-dup", "2026-08-30 10:15:00")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedBounceRequest(body))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, signedBounceRequest(body))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, fs.bounces, 1)
}

func TestBounceWebhookAuth(t *testing.T) {
	fs, _, router := setup(t)
	body := bounceBody("msg-1", "2026-08-30 10:15:00")

	req := signedBounceRequest(body)
	req.Header.Set("X-Api-Key", "wrong")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = signedBounceRequest(body)
	req.Header.Set("Authorization", "Signature deadbeef")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Empty(t, fs.bounces)
}

func TestBounceWebhookUnknownClient(t *testing.T) {
	_, _, router := setup(t)
	body := bounceBody("msg-2", "2026-08-30 10:15:00")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedBounceRequest(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnsubscribe(t *testing.T) {
	fs, _, router := setup(t)
	clientID := uuid.New()
	fs.client = &model.Client{ID: clientID, Slug: "acme", SecretKey: "acme-secret"}
	fs.sub = &model.Subscriber{ID: uuid.New(), ClientID: clientID, Email: "a@x.com"}

	sig := signing.ClientToken("acme-secret", fs.sub.ID.String(), "a@x.com")
	target := fmt.Sprintf("/unsubscribe/?id=%s&email=%s&sig=%s", fs.sub.ID, url.QueryEscape("a@x.com"), sig)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uuid.UUID{fs.sub.ID}, fs.deleted)
}

func TestUnsubscribeBadSignature(t *testing.T) {
	fs, _, router := setup(t)
	clientID := uuid.New()
	fs.client = &model.Client{ID: clientID, Slug: "acme", SecretKey: "acme-secret"}
	fs.sub = &model.Subscriber{ID: uuid.New(), ClientID: clientID, Email: "a@x.com"}

	sig := signing.ClientToken("other-secret", fs.sub.ID.String(), "a@x.com")
	target := fmt.Sprintf("/unsubscribe/?id=%s&email=%s&sig=%s", fs.sub.ID, url.QueryEscape("a@x.com"), sig)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, fs.deleted)
}
