// Package api is the HTTP client of the Géofoncier RFU service.
//
// Every method blocks until the server answers or ctx is done. The client
// never retries. Changeset endpoints return the raw Response: their success
// and failure conventions are interpreted by the transaction client.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Default endpoints and user agent.
const (
	DefaultBaseURL    = "https://api.geofoncier.fr/"
	DefaultRFUBaseURL = "https://api.geofoncier.fr/"
	DefaultUserAgent  = "rfusync"
)

const defaultConnectTimeout = 30 * time.Second

// Config holds the connection settings.
type Config struct {
	BaseURL    string // referentiel and dossier endpoints
	RFUBaseURL string // rfuoge endpoints
	UserAgent  string
	User       string
	Password   string
	Token      string // bearer token, preferred over Basic when set
	// Timeout bounds a whole request. Zero means no limit.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to one RFU deployment.
type Client struct {
	cfg    Config
	base   *url.URL
	rfu    *url.URL
	http   *http.Client
	logger *slog.Logger
}

// Response is a raw server answer.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports a 200 status, the only success status of the service.
func (r *Response) OK() bool { return r.StatusCode == http.StatusOK }

// New validates cfg and builds a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RFUBaseURL == "" {
		cfg.RFUBaseURL = cfg.BaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	base, err := parseBase(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	rfuBase, err := parseBase(cfg.RFUBaseURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		base:   base,
		rfu:    rfuBase,
		http:   cfg.HTTPClient,
		logger: cfg.Logger,
	}
	if c.http == nil {
		c.http = defaultClient(cfg.Timeout)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse base url %q: scheme must be http or https", raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}

func defaultClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultConnectTimeout,
		Proxy:               http.ProxyFromEnvironment,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// User returns the configured surveyor number.
func (c *Client) User() string { return c.cfg.User }

// SetToken switches the client to bearer authentication.
func (c *Client) SetToken(token string) { c.cfg.Token = token }

// Token returns the current bearer token, if any.
func (c *Client) Token() string { return c.cfg.Token }

type endpoint int

const (
	onBase endpoint = iota
	onRFU
)

// call issues one request. params go to the query string; a non-nil form
// is sent as an application/x-www-form-urlencoded body.
func (c *Client) call(ctx context.Context, method string, on endpoint, path string, params, form url.Values) (*Response, error) {
	base := c.base
	if on == onRFU {
		base = c.rfu
	}
	u := base.ResolveReference(&url.URL{Path: path})
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	c.authorize(req)

	c.logger.Debug("rfu request", "method", method, "path", path)
	r, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer r.Body.Close()

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	c.logger.Debug("rfu response", "method", method, "path", path, "status", r.StatusCode, "bytes", len(data))
	return &Response{StatusCode: r.StatusCode, Body: bytes.TrimSpace(data)}, nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.cfg.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	case c.cfg.User != "" && c.cfg.Password != "":
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}
}

// OpenChangeset opens a changeset in zone. dossierID and comment are
// optional.
func (c *Client) OpenChangeset(ctx context.Context, zone, dossierID, comment string) (*Response, error) {
	params := url.Values{"zone": {zone}}
	if dossierID != "" {
		params.Set("enr_api_dossier", dossierID)
	}
	if comment != "" {
		params.Set("commentaire", comment)
	}
	return c.call(ctx, http.MethodPost, onRFU, "rfuoge/changeset", params, url.Values{})
}

// Edit submits a changeset document.
func (c *Client) Edit(ctx context.Context, zone string, document []byte) (*Response, error) {
	return c.call(ctx, http.MethodPost, onRFU, "rfuoge/edit",
		url.Values{"zone": {zone}},
		url.Values{"xml": {string(document)}})
}

// CloseChangeset closes changeset id of zone.
func (c *Client) CloseChangeset(ctx context.Context, zone, id string) (*Response, error) {
	path := "rfuoge/changeset/" + ZoneLetter(zone) + id
	return c.call(ctx, http.MethodPut, onRFU, path,
		url.Values{"request": {"close"}, "id_changeset": {id}}, nil)
}

// ZoneLetter is the changeset path prefix of a zone: its first letter,
// except mayotte which uses "y".
func ZoneLetter(zone string) string {
	if zone == "mayotte" {
		return "y"
	}
	if zone == "" {
		return ""
	}
	return zone[:1]
}
