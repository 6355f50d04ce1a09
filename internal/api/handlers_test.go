package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter/internal/model"
	"github.com/ignite/newsletter/internal/queue"
	"github.com/ignite/newsletter/internal/signing"
	"github.com/ignite/newsletter/internal/template"
)

type fakeStore struct {
	campaign *model.Campaign
	client   *model.Client
	dispatch *model.Dispatch
	stats    *model.DispatchStats
	count    int
	owned    bool
}

func (f *fakeStore) GetCampaign(_ context.Context, id uuid.UUID) (*model.Campaign, error) {
	if f.campaign != nil && f.campaign.ID == id {
		return f.campaign, nil
	}
	return nil, nil
}

func (f *fakeStore) GetCampaignBySlug(_ context.Context, clientSlug, campaignSlug string) (*model.Campaign, error) {
	if f.campaign != nil && f.client != nil && f.client.Slug == clientSlug && f.campaign.Slug == campaignSlug {
		return f.campaign, nil
	}
	return nil, nil
}

func (f *fakeStore) GetClient(_ context.Context, id uuid.UUID) (*model.Client, error) {
	if f.client != nil && f.client.ID == id {
		return f.client, nil
	}
	return nil, nil
}

func (f *fakeStore) GetDispatch(_ context.Context, id uuid.UUID) (*model.Dispatch, error) {
	if f.dispatch != nil && f.dispatch.ID == id {
		return f.dispatch, nil
	}
	return nil, nil
}

func (f *fakeStore) DispatchStats(_ context.Context, _ *model.Dispatch) (*model.DispatchStats, error) {
	return f.stats, nil
}

func (f *fakeStore) CountSubscribersForLists(_ context.Context, _ []uuid.UUID) (int, error) {
	return f.count, nil
}

func (f *fakeStore) ListIDsForClient(_ context.Context, _ uuid.UUID, _ []uuid.UUID) (bool, error) {
	return f.owned, nil
}

type fakeQueue struct {
	jobs []queue.DispatchPayload
}

func (f *fakeQueue) Submit(_ context.Context, _ string, payload interface{}) error {
	f.jobs = append(f.jobs, payload.(queue.DispatchPayload))
	return nil
}

type fakeRunner struct {
	runs     int
	lastTest bool
	result   *model.Dispatch
}

func (f *fakeRunner) Run(_ context.Context, campaignID uuid.UUID, _ []uuid.UUID, test bool) (*model.Dispatch, error) {
	f.runs++
	f.lastTest = test
	if f.result != nil {
		return f.result, nil
	}
	return &model.Dispatch{ID: uuid.New(), CampaignID: campaignID, Test: test, Success: true, Sent: 1}, nil
}

func setup() (*fakeStore, *fakeQueue, *fakeRunner, chi.Router) {
	clientID := uuid.New()
	fs := &fakeStore{
		client: &model.Client{ID: clientID, Name: "Acme", Slug: "acme", Domain: "acme.com", SecretKey: "s"},
		campaign: &model.Campaign{
			ID: uuid.New(), ClientID: clientID, TopicID: uuid.New(),
			Name: "Launch", Slug: "launch", Subject: "Hi",
			PlainText: "Hello {{ email }}", HTMLText: "<html><body>News from {{ domain }}</body></html>",
			ViewOnline: true,
		},
		owned: true,
		count: 3,
	}
	fq := &fakeQueue{}
	fr := &fakeRunner{}
	engine := template.NewEngine(signing.NewTrackingSigner("k"), "https://news.example.com")
	h := NewHandlers(fs, fq, fr, engine, 10)
	return fs, fq, fr, h.Routes()
}

func sendBody(listIDs ...uuid.UUID) *bytes.Reader {
	body, _ := json.Marshal(map[string]interface{}{"list_ids": listIDs})
	return bytes.NewReader(body)
}

func TestSendCampaignQueues(t *testing.T) {
	fs, fq, _, router := setup()
	listID := uuid.New()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/campaigns/"+fs.campaign.ID.String()+"/send", sendBody(listID))
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, fq.jobs, 1)
	assert.Equal(t, fs.campaign.ID, fq.jobs[0].CampaignID)
	assert.Equal(t, []uuid.UUID{listID}, fq.jobs[0].ListIDs)
	assert.False(t, fq.jobs[0].Test)
}

func TestSendCampaignUnknown(t *testing.T) {
	_, fq, _, router := setup()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/campaigns/"+uuid.NewString()+"/send", sendBody(uuid.New()))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, fq.jobs)
}

func TestSendCampaignForeignLists(t *testing.T) {
	fs, fq, _, router := setup()
	fs.owned = false

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/campaigns/"+fs.campaign.ID.String()+"/send", sendBody(uuid.New()))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, fq.jobs)
}

func TestTestCampaignRunsSynchronously(t *testing.T) {
	fs, fq, fr, router := setup()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/campaigns/"+fs.campaign.ID.String()+"/test", sendBody(uuid.New()))
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, fr.runs)
	assert.True(t, fr.lastTest)
	assert.Empty(t, fq.jobs)
}

func TestTestCampaignCeiling(t *testing.T) {
	fs, _, fr, router := setup()
	fs.count = 50

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/campaigns/"+fs.campaign.ID.String()+"/test", sendBody(uuid.New()))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, fr.runs)
}

func TestGetDispatchWithStats(t *testing.T) {
	fs, _, _, router := setup()
	fs.dispatch = &model.Dispatch{ID: uuid.New(), CampaignID: fs.campaign.ID, Success: true, Sent: 4, OpenTracking: true}
	fs.stats = &model.DispatchStats{Sent: 4, Opens: 2, OpenRate: 50.0, HasOpenStats: true}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/dispatches/"+fs.dispatch.ID.String(), nil)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Dispatch model.Dispatch      `json:"dispatch"`
		Stats    model.DispatchStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, fs.dispatch.ID, resp.Dispatch.ID)
	assert.Equal(t, 50.0, resp.Stats.OpenRate)
}

func TestGetDispatchUnknown(t *testing.T) {
	_, _, _, router := setup()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/dispatches/"+uuid.NewString(), nil)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestViewOnline(t *testing.T) {
	_, _, _, router := setup()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/newsletter/acme/launch", nil)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "News from acme.com")
	assert.NotContains(t, rec.Body.String(), "<img")
}

func TestViewOnlineLinkPassesThrough(t *testing.T) {
	fs, _, _, router := setup()
	fs.campaign.HTMLText = `<html><body><a href="{% link 'https://acme.com/post' %}">Read</a></body></html>`

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/newsletter/acme/launch", nil)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `href="https://acme.com/post"`)
	assert.NotContains(t, rec.Body.String(), "/tracking/click/")
}

func TestViewOnlineDisabled(t *testing.T) {
	fs, _, _, router := setup()
	fs.campaign.ViewOnline = false

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/newsletter/acme/launch", nil)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
