// Package ari is a minimal Asterisk REST Interface client covering the
// operations the voice agent needs: channel control, bridges, external media,
// playback, music on hold, and the Stasis event WebSocket.
package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to the ARI REST endpoint.
type Client struct {
	baseURL  string
	username string
	password string
	app      string
	hc       *http.Client
	log      *slog.Logger
}

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates an ARI client for baseURL (e.g.
// "http://127.0.0.1:8088/ari") and the Stasis application app.
func NewClient(baseURL, username, password, app string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		app:      app,
		hc:       &http.Client{Timeout: 10 * time.Second},
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// App returns the Stasis application name this client registers for.
func (c *Client) App() string { return c.app }

// APIError is a non-2xx response from ARI.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ari: status %d: %s", e.StatusCode, e.Body)
}

// do issues an ARI request. out, when non-nil, receives the decoded JSON
// response body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("ari: build request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("ari: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("ari: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("ari: decode response: %w", err)
		}
	}
	return nil
}

// Ping probes the Asterisk REST interface. Readiness checks use it to tell
// whether the switch is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/asterisk/info", nil, nil)
}

// Answer answers the channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil, nil)
}

// Hangup hangs up the channel.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil, nil)
}

// ContinueInDialplan releases the channel from Stasis into the dialplan at
// the given location. Zero values keep the channel's current context, exten,
// or priority.
func (c *Client) ContinueInDialplan(ctx context.Context, channelID, dpContext, exten string, priority int) error {
	q := url.Values{}
	if dpContext != "" {
		q.Set("context", dpContext)
	}
	if exten != "" {
		q.Set("extension", exten)
	}
	if priority > 0 {
		q.Set("priority", strconv.Itoa(priority))
	}
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/continue", q, nil)
}

// OriginateParams describe a channel to originate.
type OriginateParams struct {
	Endpoint     string
	CallerID     string
	Timeout      time.Duration
	AppArgs      string
	ChannelVars  map[string]string
	Originator   string
	OtherChannel string
}

// Originate creates a new channel to the endpoint and delivers it to this
// client's Stasis application.
func (c *Client) Originate(ctx context.Context, p OriginateParams) (*Channel, error) {
	q := url.Values{}
	q.Set("endpoint", p.Endpoint)
	q.Set("app", c.app)
	if p.AppArgs != "" {
		q.Set("appArgs", p.AppArgs)
	}
	if p.CallerID != "" {
		q.Set("callerId", p.CallerID)
	}
	if p.Timeout > 0 {
		q.Set("timeout", strconv.Itoa(int(p.Timeout.Seconds())))
	}
	if p.Originator != "" {
		q.Set("originator", p.Originator)
	}
	for k, v := range p.ChannelVars {
		q.Set("variables["+k+"]", v)
	}
	ch := &Channel{}
	if err := c.do(ctx, http.MethodPost, "/channels", q, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// ExternalMedia creates an External Media channel towards externalHost
// ("host:port") in the given format ("ulaw" or "slin16"), delivered to this
// client's Stasis application.
func (c *Client) ExternalMedia(ctx context.Context, externalHost, format string) (*Channel, error) {
	q := url.Values{}
	q.Set("app", c.app)
	q.Set("external_host", externalHost)
	q.Set("format", format)
	ch := &Channel{}
	if err := c.do(ctx, http.MethodPost, "/channels/externalMedia", q, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// CreateBridge creates a mixing bridge.
func (c *Client) CreateBridge(ctx context.Context, bridgeType string) (*Bridge, error) {
	q := url.Values{}
	if bridgeType == "" {
		bridgeType = "mixing"
	}
	q.Set("type", bridgeType)
	b := &Bridge{}
	if err := c.do(ctx, http.MethodPost, "/bridges", q, b); err != nil {
		return nil, err
	}
	return b, nil
}

// AddChannel adds the channel to the bridge.
func (c *Client) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{}
	q.Set("channel", channelID)
	return c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel", q, nil)
}

// RemoveChannel removes the channel from the bridge.
func (c *Client) RemoveChannel(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{}
	q.Set("channel", channelID)
	return c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/removeChannel", q, nil)
}

// DestroyBridge tears down the bridge.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, "/bridges/"+url.PathEscape(bridgeID), nil, nil)
}

// Play starts playback of media (e.g. "sound:hello-world") on the channel.
func (c *Client) Play(ctx context.Context, channelID, media string) (*Playback, error) {
	q := url.Values{}
	q.Set("media", media)
	pb := &Playback{}
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/play", q, pb); err != nil {
		return nil, err
	}
	return pb, nil
}

// StopPlayback stops a playback in progress.
func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	return c.do(ctx, http.MethodDelete, "/playbacks/"+url.PathEscape(playbackID), nil, nil)
}

// StartMOH starts music on hold on the channel with the given class
// ("" for the switch default).
func (c *Client) StartMOH(ctx context.Context, channelID, class string) error {
	q := url.Values{}
	if class != "" {
		q.Set("mohClass", class)
	}
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/moh", q, nil)
}

// StopMOH stops music on hold on the channel.
func (c *Client) StopMOH(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID)+"/moh", nil, nil)
}

// GetVariable reads a channel variable.
func (c *Client) GetVariable(ctx context.Context, channelID, name string) (string, error) {
	q := url.Values{}
	q.Set("variable", name)
	var out struct {
		Value string `json:"value"`
	}
	if err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID)+"/variable", q, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

// SetVariable writes a channel variable.
func (c *Client) SetVariable(ctx context.Context, channelID, name, value string) error {
	q := url.Values{}
	q.Set("variable", name)
	q.Set("value", value)
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/variable", q, nil)
}
