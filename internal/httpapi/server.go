// Package httpapi exposes the instance, chat, and campaign operations
// over HTTP/JSON. Every /api route is scoped to the caller identified by
// the X-User-ID header; there is no ambient identity.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"zapcamp/internal/campaign"
	"zapcamp/internal/chat"
	"zapcamp/pkg/zapcamp"
)

// userIDHeader carries the caller identity. Upstream authentication is
// expected to set it; the API only requires its presence.
const userIDHeader = "X-User-ID"

// GatewayAPI is the gateway surface the HTTP layer needs beyond what the
// chat layer already wraps.
type GatewayAPI interface {
	FetchInstances(ctx context.Context) ([]zapcamp.Instance, error)
	CreateInstance(ctx context.Context, request zapcamp.Instance, webhookEvents []string) (*zapcamp.Instance, *zapcamp.ConnectResult, error)
	Connect(ctx context.Context, instanceName string) (*zapcamp.ConnectResult, error)
	ConnectionState(ctx context.Context, instanceName string) (zapcamp.ConnectionState, error)
	Logout(ctx context.Context, instanceName string) error
	DeleteInstance(ctx context.Context, instanceName string) error
	Settings(ctx context.Context, instanceName string) (*zapcamp.InstanceSettings, error)
	ApplySettings(ctx context.Context, instanceName string, settings zapcamp.InstanceSettings) error
	ProfilePicture(ctx context.Context, instanceName, number string) (string, error)
	chat.RecentMessageFetcher
}

// InstanceStore persists local instance records.
type InstanceStore interface {
	SaveInstance(userID string, instance zapcamp.Instance) error
	ListInstances(userID string) ([]zapcamp.Instance, error)
	DeleteInstance(userID, instanceName string) error
}

// CampaignService is the campaign surface the HTTP layer needs.
type CampaignService interface {
	Create(userID string, campaign zapcamp.Campaign) (zapcamp.Campaign, error)
	Get(userID, campaignID string) (zapcamp.Campaign, error)
	List(userID string) ([]zapcamp.Campaign, error)
	Submissions(userID, campaignID string) ([]zapcamp.Submission, error)
	Submit(ctx context.Context, userID, campaignID string, values map[string]string) (zapcamp.Submission, error)
	PerformRaffle(ctx context.Context, userID, campaignID string) (campaign.RaffleResult, error)
}

// Option mutates server configuration.
type Option func(*serverConfig)

// WithLogger configures structured request logging.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *serverConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithContactPageSize configures how many recent records a contact
// refresh requests from the gateway.
func WithContactPageSize(pageSize int) Option {
	return func(cfg *serverConfig) {
		if pageSize > 0 {
			cfg.contactPageSize = pageSize
		}
	}
}

type serverConfig struct {
	logger          *slog.Logger
	contactPageSize int
}

// Server routes the HTTP API.
type Server struct {
	cfg       serverConfig
	router    *mux.Router
	gateway   GatewayAPI
	instances InstanceStore
	contacts  chat.ContactStore
	sessions  *chat.Manager
	campaigns CampaignService
	metrics   *Metrics
}

// NewServer wires the API routes.
func NewServer(
	gatewayAPI GatewayAPI,
	instances InstanceStore,
	contacts chat.ContactStore,
	sessions *chat.Manager,
	campaigns CampaignService,
	metrics *Metrics,
	options ...Option,
) (*Server, error) {
	if gatewayAPI == nil || instances == nil || contacts == nil || sessions == nil || campaigns == nil {
		return nil, fmt.Errorf("new http server: nil dependency")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	cfg := serverConfig{
		logger:          slog.New(slog.NewJSONHandler(io.Discard, nil)),
		contactPageSize: 200,
	}
	for _, option := range options {
		option(&cfg)
	}

	server := &Server{
		cfg:       cfg,
		router:    mux.NewRouter(),
		gateway:   gatewayAPI,
		instances: instances,
		contacts:  contacts,
		sessions:  sessions,
		campaigns: campaigns,
		metrics:   metrics,
	}
	server.routes()

	return server, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.requireUser, s.logRequests)

	api.HandleFunc("/instances", s.handleCreateInstance).Methods(http.MethodPost)
	api.HandleFunc("/instances", s.handleListInstances).Methods(http.MethodGet)
	api.HandleFunc("/instances/{name}/connect", s.handleConnect).Methods(http.MethodGet)
	api.HandleFunc("/instances/{name}/state", s.handleConnectionState).Methods(http.MethodGet)
	api.HandleFunc("/instances/{name}/logout", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/instances/{name}", s.handleDeleteInstance).Methods(http.MethodDelete)
	api.HandleFunc("/instances/{name}/settings", s.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/instances/{name}/settings", s.handleSetSettings).Methods(http.MethodPut)
	api.HandleFunc("/instances/{name}/contacts", s.handleContacts).Methods(http.MethodGet)
	api.HandleFunc("/instances/{name}/contacts/{number}/picture", s.handleProfilePicture).Methods(http.MethodGet)

	api.HandleFunc("/chat/{name}/open", s.handleOpenConversation).Methods(http.MethodPost)
	api.HandleFunc("/chat/messages", s.handleSessionMessages).Methods(http.MethodGet)
	api.HandleFunc("/chat/send", s.handleSend).Methods(http.MethodPost)
	api.HandleFunc("/chat/close", s.handleCloseConversation).Methods(http.MethodPost)

	api.HandleFunc("/campaigns", s.handleCreateCampaign).Methods(http.MethodPost)
	api.HandleFunc("/campaigns", s.handleListCampaigns).Methods(http.MethodGet)
	api.HandleFunc("/campaigns/{id}", s.handleGetCampaign).Methods(http.MethodGet)
	api.HandleFunc("/campaigns/{id}/submissions", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/campaigns/{id}/submissions", s.handleListSubmissions).Methods(http.MethodGet)
	api.HandleFunc("/campaigns/{id}/raffle", s.handleRaffle).Methods(http.MethodPost)
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(userIDHeader)) == "" {
			s.writeError(w, r, fmt.Errorf("missing %s header", userIDHeader), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if template, err := current.GetPathTemplate(); err == nil {
				route = template
			}
		}

		s.metrics.requestsTotal.WithLabelValues(route, statusClass(recorder.status)).Inc()
		s.cfg.logger.Info("http request",
			"method", r.Method,
			"route", route,
			"status", recorder.status,
			"duration", time.Since(started),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(userIDHeader))
}

// statusForError maps domain sentinel errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, zapcamp.ErrNotFound),
		errors.Is(err, zapcamp.ErrCampaignNotFound),
		errors.Is(err, zapcamp.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, zapcamp.ErrRaffleAlreadyPerformed):
		return http.StatusConflict
	case errors.Is(err, zapcamp.ErrNoParticipants),
		errors.Is(err, zapcamp.ErrInvalidNumber),
		errors.Is(err, zapcamp.ErrInvalidMessage),
		errors.Is(err, zapcamp.ErrInvalidCampaign):
		return http.StatusBadRequest
	case errors.Is(err, zapcamp.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, zapcamp.ErrGatewayTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, zapcamp.ErrGatewayUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, zapcamp.ErrStoreWriteFailed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

var _ http.Handler = (*Server)(nil)
