package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"zapcamp/internal/campaign"
	"zapcamp/internal/chat"
	"zapcamp/internal/gateway"
	"zapcamp/pkg/zapcamp"
)

type stubGateway struct {
	mu sync.Mutex

	instances    []zapcamp.Instance
	instancesErr error

	state    zapcamp.ConnectionState
	stateErr error

	settings zapcamp.InstanceSettings

	pictureURL string
	pictureErr error

	recentRecords []gateway.MessageRecord
	recentErr     error

	history []gateway.MessageRecord
	receipt *gateway.SendReceipt
	sendErr error
}

func (g *stubGateway) FetchInstances(context.Context) ([]zapcamp.Instance, error) {
	return g.instances, g.instancesErr
}

func (g *stubGateway) CreateInstance(_ context.Context, request zapcamp.Instance, _ []string) (*zapcamp.Instance, *zapcamp.ConnectResult, error) {
	created := request
	created.ID = "created-id"
	created.ConnectionStatus = zapcamp.StateConnecting
	return &created, &zapcamp.ConnectResult{State: zapcamp.StateConnecting, QRCodeBase64: "data:image/png;base64,AAA"}, nil
}

func (g *stubGateway) Connect(context.Context, string) (*zapcamp.ConnectResult, error) {
	return &zapcamp.ConnectResult{State: g.state}, nil
}

func (g *stubGateway) ConnectionState(context.Context, string) (zapcamp.ConnectionState, error) {
	return g.state, g.stateErr
}

func (g *stubGateway) Logout(context.Context, string) error         { return nil }
func (g *stubGateway) DeleteInstance(context.Context, string) error { return nil }

func (g *stubGateway) Settings(context.Context, string) (*zapcamp.InstanceSettings, error) {
	return &g.settings, nil
}

func (g *stubGateway) ApplySettings(_ context.Context, _ string, settings zapcamp.InstanceSettings) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settings = settings
	return nil
}

func (g *stubGateway) ProfilePicture(context.Context, string, string) (string, error) {
	return g.pictureURL, g.pictureErr
}

func (g *stubGateway) RecentMessages(context.Context, string, int) ([]gateway.MessageRecord, error) {
	return g.recentRecords, g.recentErr
}

func (g *stubGateway) FindMessages(context.Context, string, string, int, int) ([]gateway.MessageRecord, error) {
	return g.history, nil
}

func (g *stubGateway) SendText(context.Context, string, string, string) (*gateway.SendReceipt, error) {
	if g.sendErr != nil {
		return nil, g.sendErr
	}
	if g.receipt != nil {
		return g.receipt, nil
	}
	return &gateway.SendReceipt{MessageID: "sent-1", Status: "PENDING"}, nil
}

type stubInstanceStore struct {
	mu     sync.Mutex
	stored map[string]zapcamp.Instance
}

func newStubInstanceStore() *stubInstanceStore {
	return &stubInstanceStore{stored: make(map[string]zapcamp.Instance)}
}

func (s *stubInstanceStore) SaveInstance(_ string, instance zapcamp.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored[instance.Name] = instance
	return nil
}

func (s *stubInstanceStore) ListInstances(string) ([]zapcamp.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instances := make([]zapcamp.Instance, 0, len(s.stored))
	for _, instance := range s.stored {
		instances = append(instances, instance)
	}
	return instances, nil
}

func (s *stubInstanceStore) DeleteInstance(_, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stored, name)
	return nil
}

type stubContactStore struct {
	mu     sync.Mutex
	stored []zapcamp.Contact
}

func (s *stubContactStore) UpsertContact(_, _ string, contact zapcamp.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, contact)
	return nil
}

func (s *stubContactStore) ListContacts(_, _ string) ([]zapcamp.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored, nil
}

type stubMessageStore struct{}

func (stubMessageStore) UpsertMessage(_, _ string, _ zapcamp.Message) (bool, error) { return true, nil }
func (stubMessageStore) MessagesByConversation(_, _, _ string) ([]zapcamp.Message, error) {
	return nil, nil
}
func (stubMessageStore) TouchContact(_, _, _ string, _ int64) error { return nil }

type stubCampaigns struct {
	createErr error
	getErr    error
	submitErr error
	raffleErr error

	submission zapcamp.Submission
	raffle     campaign.RaffleResult
}

func (s *stubCampaigns) Create(userID string, c zapcamp.Campaign) (zapcamp.Campaign, error) {
	if s.createErr != nil {
		return zapcamp.Campaign{}, s.createErr
	}
	c.ID = "campaign-1"
	c.OwnerID = userID
	return c, nil
}

func (s *stubCampaigns) Get(_, campaignID string) (zapcamp.Campaign, error) {
	if s.getErr != nil {
		return zapcamp.Campaign{}, s.getErr
	}
	return zapcamp.Campaign{ID: campaignID, OwnerID: "user-1", Name: "launch"}, nil
}

func (s *stubCampaigns) List(string) ([]zapcamp.Campaign, error) {
	return []zapcamp.Campaign{{ID: "campaign-1", Name: "launch"}}, nil
}

func (s *stubCampaigns) Submissions(_, _ string) ([]zapcamp.Submission, error) {
	return []zapcamp.Submission{s.submission}, nil
}

func (s *stubCampaigns) Submit(_ context.Context, _, _ string, _ map[string]string) (zapcamp.Submission, error) {
	if s.submitErr != nil {
		return zapcamp.Submission{}, s.submitErr
	}
	return s.submission, nil
}

func (s *stubCampaigns) PerformRaffle(context.Context, string, string) (campaign.RaffleResult, error) {
	if s.raffleErr != nil {
		return campaign.RaffleResult{}, s.raffleErr
	}
	return s.raffle, nil
}

type testServerDeps struct {
	gateway   *stubGateway
	instances *stubInstanceStore
	contacts  *stubContactStore
	campaigns *stubCampaigns
}

func newTestServer(t *testing.T, deps testServerDeps) *Server {
	t.Helper()

	if deps.gateway == nil {
		deps.gateway = &stubGateway{state: zapcamp.StateOpen}
	}
	if deps.instances == nil {
		deps.instances = newStubInstanceStore()
	}
	if deps.contacts == nil {
		deps.contacts = &stubContactStore{}
	}
	if deps.campaigns == nil {
		deps.campaigns = &stubCampaigns{}
	}

	manager, err := chat.NewManager(deps.gateway, stubMessageStore{},
		chat.WithSessionOptions(chat.WithSessionPollInterval(time.Hour)),
	)
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	t.Cleanup(manager.CloseAll)

	server, err := NewServer(deps.gateway, deps.instances, deps.contacts, manager, deps.campaigns, nil)
	if err != nil {
		t.Fatalf("new server failed: %v", err)
	}
	return server
}

func doRequest(t *testing.T, server *Server, method, path string, body any, user string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode request body failed: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	request := httptest.NewRequest(method, path, reader)
	if user != "" {
		request.Header.Set("X-User-ID", user)
	}
	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, request)
	return recorder
}

func decodeReply(t *testing.T, recorder *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), out); err != nil {
		t.Fatalf("decode reply failed: %v (body %q)", err, recorder.Body.String())
	}
}

func TestAPIRequiresUserHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, testServerDeps{})

	recorder := doRequest(t, server, http.MethodGet, "/api/instances", nil, "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusUnauthorized)
	}

	var reply struct {
		Error string `json:"error"`
	}
	decodeReply(t, recorder, &reply)
	if !strings.Contains(reply.Error, "X-User-ID") {
		t.Fatalf("error = %q, want mention of the identity header", reply.Error)
	}
}

func TestHealthNeedsNoUser(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, testServerDeps{})

	recorder := doRequest(t, server, http.MethodGet, "/healthz", nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusOK)
	}
}

func TestListInstancesFallsBackToStore(t *testing.T) {
	t.Parallel()

	instances := newStubInstanceStore()
	if err := instances.SaveInstance("user-1", zapcamp.Instance{Name: "main", ConnectionStatus: zapcamp.StateOpen}); err != nil {
		t.Fatalf("seed instance failed: %v", err)
	}
	server := newTestServer(t, testServerDeps{
		gateway:   &stubGateway{instancesErr: zapcamp.ErrGatewayUnavailable},
		instances: instances,
	})

	recorder := doRequest(t, server, http.MethodGet, "/api/instances", nil, "user-1")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusOK)
	}

	var reply listInstancesReply
	decodeReply(t, recorder, &reply)
	if !reply.Cached {
		t.Fatal("reply not flagged as cached")
	}
	if len(reply.Instances) != 1 || reply.Instances[0].Name != "main" {
		t.Fatalf("instances = %+v, want stored record", reply.Instances)
	}
}

func TestContactsFallBackToStoredAggregates(t *testing.T) {
	t.Parallel()

	contacts := &stubContactStore{stored: []zapcamp.Contact{
		{ID: "5511@s.whatsapp.net", Name: "Ana", Number: "5511", LastMessageTimestamp: 1000},
	}}
	server := newTestServer(t, testServerDeps{
		gateway:  &stubGateway{state: zapcamp.StateOpen, recentErr: zapcamp.ErrGatewayUnavailable},
		contacts: contacts,
	})

	recorder := doRequest(t, server, http.MethodGet, "/api/instances/main/contacts", nil, "user-1")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusOK)
	}

	var reply contactsReply
	decodeReply(t, recorder, &reply)
	if !reply.Cached {
		t.Fatal("reply not flagged as cached")
	}
	if len(reply.Contacts) != 1 || reply.Contacts[0].Name != "Ana" {
		t.Fatalf("contacts = %+v, want stored aggregate", reply.Contacts)
	}
}

func TestSettingsRequireConnectedInstance(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, testServerDeps{
		gateway: &stubGateway{state: zapcamp.StateClosed},
	})

	recorder := doRequest(t, server, http.MethodGet, "/api/instances/main/settings", nil, "user-1")
	if recorder.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusConflict)
	}
}

func TestProfilePictureFailureYieldsEmptyURL(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, testServerDeps{
		gateway: &stubGateway{state: zapcamp.StateOpen, pictureErr: zapcamp.ErrGatewayTimeout},
	})

	recorder := doRequest(t, server, http.MethodGet, "/api/instances/main/contacts/5511/picture", nil, "user-1")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusOK)
	}

	var reply map[string]string
	decodeReply(t, recorder, &reply)
	if reply["profilePictureUrl"] != "" {
		t.Fatalf("url = %q, want empty", reply["profilePictureUrl"])
	}
}

func TestChatFlow(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, testServerDeps{})

	// No session yet.
	recorder := doRequest(t, server, http.MethodGet, "/api/chat/messages", nil, "user-1")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("messages without session status = %d, want %d", recorder.Code, http.StatusNotFound)
	}

	recorder = doRequest(t, server, http.MethodPost, "/api/chat/main/open", map[string]string{"contactNumber": "5511"}, "user-1")
	if recorder.Code != http.StatusOK {
		t.Fatalf("open status = %d, want %d (body %s)", recorder.Code, http.StatusOK, recorder.Body.String())
	}
	var opened sessionReply
	decodeReply(t, recorder, &opened)
	if opened.ConversationKey != "5511@s.whatsapp.net" {
		t.Fatalf("conversation = %q, want 5511@s.whatsapp.net", opened.ConversationKey)
	}
	if opened.State != chat.SessionReady {
		t.Fatalf("state = %s, want %s", opened.State, chat.SessionReady)
	}

	recorder = doRequest(t, server, http.MethodPost, "/api/chat/send", map[string]string{"text": "oi"}, "user-1")
	if recorder.Code != http.StatusCreated {
		t.Fatalf("send status = %d, want %d (body %s)", recorder.Code, http.StatusCreated, recorder.Body.String())
	}
	var sent zapcamp.Message
	decodeReply(t, recorder, &sent)
	if sent.ID != "sent-1" || !sent.FromMe {
		t.Fatalf("sent message = %+v, want confirmed outbound sent-1", sent)
	}

	recorder = doRequest(t, server, http.MethodGet, "/api/chat/messages", nil, "user-1")
	if recorder.Code != http.StatusOK {
		t.Fatalf("messages status = %d, want %d", recorder.Code, http.StatusOK)
	}
	var listed sessionReply
	decodeReply(t, recorder, &listed)
	if len(listed.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(listed.Messages))
	}

	recorder = doRequest(t, server, http.MethodPost, "/api/chat/close", nil, "user-1")
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("close status = %d, want %d", recorder.Code, http.StatusNoContent)
	}
	recorder = doRequest(t, server, http.MethodPost, "/api/chat/close", nil, "user-1")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("second close status = %d, want %d", recorder.Code, http.StatusNotFound)
	}
}

func TestOpenConversationRequiresContactNumber(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, testServerDeps{})

	recorder := doRequest(t, server, http.MethodPost, "/api/chat/main/open", map[string]string{}, "user-1")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusBadRequest)
	}
}

func TestCreateCampaign(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, testServerDeps{})

	recorder := doRequest(t, server, http.MethodPost, "/api/campaigns", map[string]any{
		"name": "launch",
		"fields": []map[string]any{
			{"id": "f1", "name": "name", "label": "Nome", "type": "text", "required": true},
		},
	}, "user-1")
	if recorder.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body %s)", recorder.Code, http.StatusCreated, recorder.Body.String())
	}

	var created zapcamp.Campaign
	decodeReply(t, recorder, &created)
	if created.ID == "" || created.OwnerID != "user-1" {
		t.Fatalf("campaign = %+v, want assigned id and owner", created)
	}
}

func TestSubmitReturnsParticipantNumber(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, testServerDeps{campaigns: &stubCampaigns{
		submission: zapcamp.Submission{
			ID:                "sub-1",
			CampaignID:        "campaign-1",
			ParticipantNumber: "07",
			Data:              map[string]string{"name": "Ana"},
		},
	}})

	recorder := doRequest(t, server, http.MethodPost, "/api/campaigns/campaign-1/submissions", map[string]any{
		"values": map[string]string{"name": "Ana"},
	}, "user-1")
	if recorder.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body %s)", recorder.Code, http.StatusCreated, recorder.Body.String())
	}

	var submission zapcamp.Submission
	decodeReply(t, recorder, &submission)
	if submission.ParticipantNumber != "07" {
		t.Fatalf("participant number = %q, want 07", submission.ParticipantNumber)
	}
}

func TestRaffleErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		raffleErr  error
		wantStatus int
	}{
		{
			name:       "second draw conflicts",
			raffleErr:  fmt.Errorf("raffle: %w", zapcamp.ErrRaffleAlreadyPerformed),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "empty campaign is a bad request",
			raffleErr:  fmt.Errorf("raffle: %w", zapcamp.ErrNoParticipants),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown campaign",
			raffleErr:  fmt.Errorf("raffle: %w", zapcamp.ErrCampaignNotFound),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "successful draw",
			wantStatus: http.StatusOK,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			server := newTestServer(t, testServerDeps{campaigns: &stubCampaigns{
				raffleErr: testCase.raffleErr,
				raffle:    campaign.RaffleResult{WinnerNumber: "02", WinnerName: "Bia"},
			}})

			recorder := doRequest(t, server, http.MethodPost, "/api/campaigns/campaign-1/raffle", nil, "user-1")
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", recorder.Code, testCase.wantStatus, recorder.Body.String())
			}
			if testCase.wantStatus == http.StatusOK {
				var result campaign.RaffleResult
				decodeReply(t, recorder, &result)
				if result.WinnerNumber != "02" {
					t.Fatalf("winner = %q, want 02", result.WinnerNumber)
				}
			}
		})
	}
}

func TestRejectsUnknownBodyFields(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, testServerDeps{})

	recorder := doRequest(t, server, http.MethodPost, "/api/campaigns", map[string]any{
		"name":       "launch",
		"unexpected": true,
	}, "user-1")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusBadRequest)
	}
}
