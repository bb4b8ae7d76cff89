package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"zapcamp/internal/chat"
	"zapcamp/pkg/zapcamp"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createInstanceBody struct {
	Name          string   `json:"name"`
	Integration   string   `json:"integration,omitempty"`
	WebhookEvents []string `json:"webhookEvents,omitempty"`
}

type createInstanceReply struct {
	Instance zapcamp.Instance       `json:"instance"`
	Pairing  *zapcamp.ConnectResult `json:"pairing,omitempty"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var body createInstanceBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}

	request := zapcamp.Instance{
		Name:        body.Name,
		Integration: body.Integration,
	}
	instance, pairing, err := s.gateway.CreateInstance(r.Context(), request, body.WebhookEvents)
	if err != nil {
		s.writeError(w, r, err, statusForError(err))
		return
	}

	if err := s.instances.SaveInstance(userID(r), *instance); err != nil {
		s.cfg.logger.Warn("persist instance failed", "instance", instance.Name, "error", err)
	}

	s.writeJSON(w, http.StatusCreated, createInstanceReply{Instance: *instance, Pairing: pairing})
}

type listInstancesReply struct {
	Instances []zapcamp.Instance `json:"instances"`
	Cached    bool               `json:"cached"`
}

// handleListInstances serves the gateway's live instance list and falls
// back to locally stored records when the gateway is unreachable.
func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.gateway.FetchInstances(r.Context())
	if err != nil {
		s.cfg.logger.Warn("fetch instances failed, serving stored records", "error", err)

		stored, storeErr := s.instances.ListInstances(userID(r))
		if storeErr != nil {
			s.writeError(w, r, err, statusForError(err))
			return
		}
		s.writeJSON(w, http.StatusOK, listInstancesReply{Instances: stored, Cached: true})
		return
	}

	for _, instance := range instances {
		if err := s.instances.SaveInstance(userID(r), instance); err != nil {
			s.cfg.logger.Warn("persist instance failed", "instance", instance.Name, "error", err)
		}
	}

	s.writeJSON(w, http.StatusOK, listInstancesReply{Instances: instances})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	result, err := s.gateway.Connect(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err, statusForError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleConnectionState(w http.ResponseWriter, r *http.Request) {
	state, err := s.gateway.ConnectionState(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err, statusForError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]zapcamp.ConnectionState{"state": state})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.Logout(r.Context(), mux.Vars(r)["name"]); err != nil {
		s.writeError(w, r, err, statusForError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := s.gateway.DeleteInstance(r.Context(), name); err != nil {
		s.writeError(w, r, err, statusForError(err))
		return
	}
	if err := s.instances.DeleteInstance(userID(r), name); err != nil {
		s.cfg.logger.Warn("delete stored instance failed", "instance", name, "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	// Settings are only meaningful for a connected instance; surface a
	// disconnected one as a conflict instead of gateway defaults.
	state, err := s.gateway.ConnectionState(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err, statusForError(err))
		return
	}
	if state != zapcamp.StateOpen {
		s.writeError(w, r, fmt.Errorf("instance %s is not connected (state %s)", name, state), http.StatusConflict)
		return
	}

	settings, err := s.gateway.Settings(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err, statusForError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	var settings zapcamp.InstanceSettings
	if err := decodeBody(r, &settings); err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}

	if err := s.gateway.ApplySettings(r.Context(), mux.Vars(r)["name"], settings); err != nil {
		s.writeError(w, r, err, statusForError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

type contactsReply struct {
	Contacts []zapcamp.Contact `json:"contacts"`
	Cached   bool              `json:"cached"`
}

// handleContacts refreshes the contact list from recent gateway traffic.
// When the gateway is unreachable the stored aggregates are served
// instead, flagged as cached.
func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	user := userID(r)

	contacts, err := chat.RefreshContacts(
		r.Context(), s.gateway, s.contacts, s.cfg.logger, user, name, s.cfg.contactPageSize,
	)
	if err != nil {
		s.cfg.logger.Warn("contact refresh failed, serving stored contacts",
			"instance", name,
			"error", err,
		)
		s.metrics.contactsRefresh.WithLabelValues("cache").Inc()

		stored, storeErr := s.contacts.ListContacts(user, name)
		if storeErr != nil {
			s.writeError(w, r, err, statusForError(err))
			return
		}
		s.writeJSON(w, http.StatusOK, contactsReply{Contacts: stored, Cached: true})
		return
	}

	s.metrics.contactsRefresh.WithLabelValues("gateway").Inc()
	s.writeJSON(w, http.StatusOK, contactsReply{Contacts: contacts})
}

// handleProfilePicture fetches an avatar URL. A gateway failure yields an
// empty URL rather than an error; avatars are best-effort.
func (s *Server) handleProfilePicture(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	url, err := s.gateway.ProfilePicture(r.Context(), vars["name"], vars["number"])
	if err != nil {
		s.cfg.logger.Debug("profile picture fetch failed", "number", vars["number"], "error", err)
		url = ""
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"profilePictureUrl": url})
}

type openConversationBody struct {
	ContactNumber string `json:"contactNumber"`
}

type sessionReply struct {
	ConversationKey string            `json:"conversationKey"`
	State           chat.SessionState `json:"state"`
	Messages        []zapcamp.Message `json:"messages"`
}

func (s *Server) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	var body openConversationBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}
	if body.ContactNumber == "" {
		s.writeError(w, r, fmt.Errorf("contactNumber is required"), http.StatusBadRequest)
		return
	}

	session, err := s.sessions.OpenConversation(r.Context(), userID(r), mux.Vars(r)["name"], body.ContactNumber)
	if err != nil {
		s.writeError(w, r, err, statusForError(err))
		return
	}

	s.writeJSON(w, http.StatusOK, sessionReply{
		ConversationKey: session.ConversationKey(),
		State:           session.State(),
		Messages:        session.Messages(),
	})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.ActiveSession(userID(r))
	if err != nil {
		s.writeError(w, r, err, statusForError(err))
		return
	}

	s.writeJSON(w, http.StatusOK, sessionReply{
		ConversationKey: session.ConversationKey(),
		State:           session.State(),
		Messages:        session.Messages(),
	})
}

type sendBody struct {
	Text string `json:"text"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body sendBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}

	session, err := s.sessions.ActiveSession(userID(r))
	if err != nil {
		s.writeError(w, r, err, statusForError(err))
		return
	}

	message, err := session.Send(r.Context(), body.Text)
	s.metrics.observeResult(s.metrics.sendsTotal, err)
	if err != nil {
		s.writeError(w, r, err, statusForError(err))
		return
	}

	s.writeJSON(w, http.StatusCreated, message)
}

func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.CloseConversation(userID(r)); err != nil {
		s.writeError(w, r, err, statusForError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createCampaignBody struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Fields      []zapcamp.FormField `json:"fields,omitempty"`
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body createCampaignBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}

	campaign, err := s.campaigns.Create(userID(r), zapcamp.Campaign{
		Name:        body.Name,
		Description: body.Description,
		Fields:      body.Fields,
	})
	if err != nil {
		s.writeError(w, r, err, statusForError(err))
		return
	}

	s.writeJSON(w, http.StatusCreated, campaign)
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.campaigns.List(userID(r))
	if err != nil {
		s.writeError(w, r, err, statusForError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]zapcamp.Campaign{"campaigns": campaigns})
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := s.campaigns.Get(userID(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err, statusForError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, campaign)
}

type submitBody struct {
	Values map[string]string `json:"values"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}

	submission, err := s.campaigns.Submit(r.Context(), userID(r), mux.Vars(r)["id"], body.Values)
	s.metrics.observeResult(s.metrics.submissionsTotal, err)
	if err != nil {
		s.writeError(w, r, err, statusForError(err))
		return
	}

	s.writeJSON(w, http.StatusCreated, submission)
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	submissions, err := s.campaigns.Submissions(userID(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err, statusForError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]zapcamp.Submission{"submissions": submissions})
}

func (s *Server) handleRaffle(w http.ResponseWriter, r *http.Request) {
	result, err := s.campaigns.PerformRaffle(r.Context(), userID(r), mux.Vars(r)["id"])
	s.metrics.observeResult(s.metrics.rafflesTotal, err)
	if err != nil {
		s.writeError(w, r, err, statusForError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func decodeBody(r *http.Request, out any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.cfg.logger.Warn("encode response failed", "error", err)
	}
}

type errorReply struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if status >= http.StatusInternalServerError {
		s.cfg.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, errorReply{Error: err.Error()})
}
