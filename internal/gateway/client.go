// Package gateway adapts the remote WhatsApp messaging gateway's HTTP/JSON
// API into the canonical domain model.
//
// All wire shapes stay inside this package: callers receive zapcamp types
// and sentinel errors, never raw payloads, with the exception of
// MessageRecord which the chat layer consumes for normalization and
// contact aggregation.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"zapcamp/pkg/zapcamp"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultReadRetries    = 2

	apiKeyHeader = "apikey"
)

// Option mutates gateway client configuration.
type Option func(*clientConfig)

// WithHTTPClient configures the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(cfg *clientConfig) {
		if httpClient != nil {
			cfg.httpClient = httpClient
		}
	}
}

// WithLogger configures structured logging for gateway calls.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithRequestTimeout configures a deadline bound for each gateway call.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(cfg *clientConfig) {
		if timeout > 0 {
			cfg.requestTimeout = timeout
		}
	}
}

// WithReadRetries configures how many times idempotent read calls are
// retried after a server-side failure. Zero disables retries.
func WithReadRetries(retries int) Option {
	return func(cfg *clientConfig) {
		if retries >= 0 {
			cfg.readRetries = retries
		}
	}
}

type clientConfig struct {
	httpClient     *http.Client
	logger         *slog.Logger
	requestTimeout time.Duration
	readRetries    int
}

// Client is an HTTP client for the messaging gateway.
type Client struct {
	cfg     clientConfig
	baseURL string
	apiKey  string
}

// NewClient creates a gateway client for one gateway deployment.
func NewClient(baseURL, apiKey string, options ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("new gateway client: base url is required")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("new gateway client: api key is required")
	}

	cfg := clientConfig{
		httpClient:     &http.Client{},
		logger:         slog.New(slog.NewJSONHandler(io.Discard, nil)),
		requestTimeout: defaultRequestTimeout,
		readRetries:    defaultReadRetries,
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Client{cfg: cfg, baseURL: baseURL, apiKey: apiKey}, nil
}

// FindMessages fetches one page of message history for a conversation,
// most recent first as returned by the gateway.
func (c *Client) FindMessages(
	ctx context.Context,
	instanceName, conversationKey string,
	page, limit int,
) ([]MessageRecord, error) {
	request := findMessagesRequest{
		Where: findMessagesWhere{Key: &findMessagesKey{RemoteJid: conversationKey}},
		Limit: limit,
		Page:  page,
	}

	var response findMessagesResponse
	err := c.doWithRetry(ctx, http.MethodPost, "/chat/findMessages/"+instanceName, request, &response)
	if err != nil {
		return nil, fmt.Errorf("find messages for %s: %w", conversationKey, err)
	}

	return response.Messages.Records, nil
}

// RecentMessages fetches one page of message history across all
// conversations of the instance.
func (c *Client) RecentMessages(ctx context.Context, instanceName string, limit int) ([]MessageRecord, error) {
	request := findMessagesRequest{Limit: limit, Page: 1}

	var response findMessagesResponse
	err := c.doWithRetry(ctx, http.MethodPost, "/chat/findMessages/"+instanceName, request, &response)
	if err != nil {
		return nil, fmt.Errorf("fetch recent messages: %w", err)
	}

	return response.Messages.Records, nil
}

// SendText sends a plain-text message to a bare phone number. Send calls
// are never retried internally.
func (c *Client) SendText(ctx context.Context, instanceName, number, text string) (*SendReceipt, error) {
	if strings.TrimSpace(number) == "" {
		return nil, fmt.Errorf("send text: %w: empty number", zapcamp.ErrInvalidNumber)
	}
	if text == "" {
		return nil, fmt.Errorf("send text: empty text")
	}

	request := sendTextRequest{Number: number, Text: text}

	var response sendTextResponse
	if err := c.do(ctx, http.MethodPost, "/message/sendText/"+instanceName, request, &response); err != nil {
		return nil, fmt.Errorf("send text to %s: %w", number, err)
	}

	return &SendReceipt{
		MessageID: response.Key.ID,
		RemoteJid: response.Key.RemoteJid,
		Status:    response.Status,
	}, nil
}

// CheckNumbers filters the given bare phone numbers down to those with an
// active WhatsApp account.
func (c *Client) CheckNumbers(ctx context.Context, instanceName string, numbers []string) ([]string, error) {
	request := whatsappNumbersRequest{Numbers: numbers}

	var response whatsappNumbersResponse
	err := c.doWithRetry(ctx, http.MethodPost, "/chat/whatsappNumbers/"+instanceName, request, &response)
	if err != nil {
		return nil, fmt.Errorf("check numbers: %w", err)
	}

	return response.Valid, nil
}

// ProfilePicture fetches the avatar URL for a bare phone number. A missing
// picture is not an error; the returned URL is empty.
func (c *Client) ProfilePicture(ctx context.Context, instanceName, number string) (string, error) {
	request := profilePictureRequest{Number: number}

	var response profilePictureResponse
	err := c.do(ctx, http.MethodPost, "/contact/getProfilePicture/"+instanceName, request, &response)
	if err != nil {
		return "", fmt.Errorf("fetch profile picture for %s: %w", number, err)
	}

	if response.ProfilePicURL != "" {
		return response.ProfilePicURL, nil
	}
	return response.ProfilePicURLAlt, nil
}

// CreateInstance provisions a new gateway instance and returns its
// canonical form plus pairing material when the gateway includes it inline.
func (c *Client) CreateInstance(
	ctx context.Context,
	request zapcamp.Instance,
	webhookEvents []string,
) (*zapcamp.Instance, *zapcamp.ConnectResult, error) {
	if strings.TrimSpace(request.Name) == "" {
		return nil, nil, fmt.Errorf("create instance: name is required")
	}

	body := createInstanceRequest{
		InstanceName:  request.Name,
		Integration:   request.Integration,
		Token:         request.Token,
		WebhookEvents: webhookEvents,
	}

	var response createInstanceResponse
	if err := c.do(ctx, http.MethodPost, "/instance/create", body, &response); err != nil {
		return nil, nil, fmt.Errorf("create instance %s: %w", request.Name, err)
	}

	created := zapcamp.Instance{
		ID:               response.Instance.InstanceID,
		Name:             response.Instance.InstanceName,
		ConnectionStatus: normalizeState(response.Instance.Status),
		Integration:      request.Integration,
		Token:            request.Token,
	}
	if created.Name == "" {
		created.Name = request.Name
	}

	var pairing *zapcamp.ConnectResult
	if response.QRCode != nil && (response.QRCode.Base64 != "" || response.QRCode.PairingCode != "") {
		pairing = &zapcamp.ConnectResult{
			State:        zapcamp.StateConnecting,
			QRCodeBase64: response.QRCode.Base64,
			PairingCode:  response.QRCode.PairingCode,
		}
	}

	return &created, pairing, nil
}

// FetchInstances lists all instances known to the gateway, normalizing
// both wire shapes the gateway may answer with.
func (c *Client) FetchInstances(ctx context.Context) ([]zapcamp.Instance, error) {
	var raw []json.RawMessage
	if err := c.doWithRetry(ctx, http.MethodGet, "/instance/fetchInstances", nil, &raw); err != nil {
		return nil, fmt.Errorf("fetch instances: %w", err)
	}

	instances := make([]zapcamp.Instance, 0, len(raw))
	for _, entry := range raw {
		instance, err := normalizeInstance(entry)
		if err != nil {
			c.cfg.logger.Warn("skipping unrecognized instance entry", "error", err)
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// Connect asks an instance to pair and returns QR material, or the
// connected state when no pairing is needed.
func (c *Client) Connect(ctx context.Context, instanceName string) (*zapcamp.ConnectResult, error) {
	var response connectResponse
	if err := c.do(ctx, http.MethodGet, "/instance/connect/"+instanceName, nil, &response); err != nil {
		return nil, fmt.Errorf("connect instance %s: %w", instanceName, err)
	}

	result := zapcamp.ConnectResult{
		QRCodeBase64: response.Base64,
		PairingCode:  response.PairingCode,
	}
	switch {
	case response.Instance != nil:
		result.State = normalizeState(response.Instance.State)
	case response.Base64 != "":
		result.State = zapcamp.StateConnecting
	default:
		result.State = zapcamp.StateOpen
	}

	return &result, nil
}

// ConnectionState reports the current lifecycle state of an instance.
func (c *Client) ConnectionState(ctx context.Context, instanceName string) (zapcamp.ConnectionState, error) {
	var response connectionStateResponse
	err := c.doWithRetry(ctx, http.MethodGet, "/instance/connectionState/"+instanceName, nil, &response)
	if err != nil {
		return "", fmt.Errorf("connection state of %s: %w", instanceName, err)
	}

	return normalizeState(response.Instance.State), nil
}

// Logout disconnects an instance's WhatsApp session without deleting it.
func (c *Client) Logout(ctx context.Context, instanceName string) error {
	if err := c.do(ctx, http.MethodDelete, "/instance/logout/"+instanceName, nil, nil); err != nil {
		return fmt.Errorf("logout instance %s: %w", instanceName, err)
	}
	return nil
}

// DeleteInstance removes an instance from the gateway.
func (c *Client) DeleteInstance(ctx context.Context, instanceName string) error {
	if err := c.do(ctx, http.MethodDelete, "/instance/delete/"+instanceName, nil, nil); err != nil {
		return fmt.Errorf("delete instance %s: %w", instanceName, err)
	}
	return nil
}

// Settings fetches the behavior flags of an instance.
func (c *Client) Settings(ctx context.Context, instanceName string) (*zapcamp.InstanceSettings, error) {
	var response settingsEnvelope
	err := c.doWithRetry(ctx, http.MethodGet, "/settings/find/"+instanceName, nil, &response)
	if err != nil {
		return nil, fmt.Errorf("find settings of %s: %w", instanceName, err)
	}

	payload := response.Settings.Settings
	return &zapcamp.InstanceSettings{
		RejectCall:      payload.RejectCall,
		MsgCall:         payload.MsgCall,
		GroupsIgnore:    payload.GroupsIgnore,
		AlwaysOnline:    payload.AlwaysOnline,
		ReadMessages:    payload.ReadMessages,
		ReadStatus:      payload.ReadStatus,
		SyncFullHistory: payload.SyncFullHistory,
	}, nil
}

// ApplySettings writes the behavior flags of an instance.
func (c *Client) ApplySettings(ctx context.Context, instanceName string, settings zapcamp.InstanceSettings) error {
	body := settingsPayload{
		RejectCall:      settings.RejectCall,
		MsgCall:         settings.MsgCall,
		GroupsIgnore:    settings.GroupsIgnore,
		AlwaysOnline:    settings.AlwaysOnline,
		ReadMessages:    settings.ReadMessages,
		ReadStatus:      settings.ReadStatus,
		SyncFullHistory: settings.SyncFullHistory,
	}

	if err := c.do(ctx, http.MethodPost, "/settings/set/"+instanceName, body, nil); err != nil {
		return fmt.Errorf("set settings of %s: %w", instanceName, err)
	}
	return nil
}

// doWithRetry wraps do with bounded exponential backoff for idempotent
// reads. Only server-side failures are retried.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body, out any) error {
	operation := func() error {
		err := c.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if errors.Is(err, zapcamp.ErrGatewayUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	return backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.cfg.readRetries)),
		ctx,
	))
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set(apiKeyHeader, c.apiKey)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	response, err := c.cfg.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s after %s", zapcamp.ErrGatewayTimeout, method, path, time.Since(started).Round(time.Millisecond))
		}
		return fmt.Errorf("%w: %s %s: %v", zapcamp.ErrGatewayUnavailable, method, path, err)
	}
	defer func() { _ = response.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(response.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read response of %s %s: %v", zapcamp.ErrGatewayUnavailable, method, path, err)
	}

	c.cfg.logger.Debug("gateway call",
		"method", method,
		"path", path,
		"status", response.StatusCode,
		"duration", time.Since(started),
	)

	switch {
	case response.StatusCode == http.StatusRequestTimeout || response.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s %s returned %d", zapcamp.ErrGatewayTimeout, method, path, response.StatusCode)
	case response.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s %s returned %d", zapcamp.ErrGatewayUnavailable, method, path, response.StatusCode)
	case response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices:
		return fmt.Errorf("%s %s returned %d: %s", method, path, response.StatusCode, truncate(payload, 256))
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response of %s %s: %w", method, path, err)
	}

	return nil
}

func truncate(payload []byte, limit int) string {
	text := strings.TrimSpace(string(payload))
	if len(text) > limit {
		return text[:limit] + "..."
	}
	return text
}

func normalizeState(raw string) zapcamp.ConnectionState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "open", "connected":
		return zapcamp.StateOpen
	case "connecting", "qrcode", "created", "start", "starting":
		return zapcamp.StateConnecting
	default:
		return zapcamp.StateClosed
	}
}

func normalizeInstance(entry json.RawMessage) (zapcamp.Instance, error) {
	var detailed instanceDetailed
	if err := json.Unmarshal(entry, &detailed); err == nil && detailed.Name != "" {
		instance := zapcamp.Instance{
			ID:               detailed.ID,
			Name:             detailed.Name,
			ConnectionStatus: normalizeState(detailed.ConnectionStatus),
			OwnerJid:         detailed.OwnerJid,
			ProfileName:      detailed.ProfileName,
			ProfilePicURL:    detailed.ProfilePicURL,
			Integration:      detailed.Integration,
			Token:            detailed.Token,
			ClientName:       detailed.ClientName,
		}
		if createdAt, err := time.Parse(time.RFC3339, detailed.CreatedAt); err == nil {
			instance.CreatedAt = &createdAt
		}
		if updatedAt, err := time.Parse(time.RFC3339, detailed.UpdatedAt); err == nil {
			instance.UpdatedAt = &updatedAt
		}
		return instance, nil
	}

	var basic instanceBasic
	if err := json.Unmarshal(entry, &basic); err == nil && basic.Instance.InstanceName != "" {
		return zapcamp.Instance{
			ID:               basic.Instance.InstanceID,
			Name:             basic.Instance.InstanceName,
			ConnectionStatus: normalizeState(basic.Instance.Status),
			OwnerJid:         basic.Instance.Owner,
			ProfileName:      basic.Instance.ProfileName,
			ProfilePicURL:    basic.Instance.ProfilePicURL,
		}, nil
	}

	return zapcamp.Instance{}, fmt.Errorf("instance entry matches no known shape")
}
