package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/treykane/remote-viewer/internal/browse"
	"github.com/treykane/remote-viewer/internal/events"
	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/profiles"
)

// Client talks to a running server. Failed calls return *faults.Error with
// the kind the server reported.
type Client struct {
	base string
	http *http.Client
}

// NewClient targets addr, either host:port or a full URL. A nil hc uses
// http.DefaultClient.
func NewClient(addr string, hc *http.Client) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(addr, "/"), http: hc}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return faults.Wrap(faults.Canceled, method+" "+path, ctx.Err())
		}
		return faults.Wrap(faults.Unreachable, "contact server at "+c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var eb ErrorBody
		_ = json.Unmarshal(data, &eb)
		return decodeError(resp.StatusCode, eb)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) Connect(ctx context.Context, req ConnectRequest) (ConnectResponse, error) {
	var out ConnectResponse
	err := c.do(ctx, http.MethodPost, "/api/remote/connect", nil, req, &out)
	return out, err
}

func (c *Client) Disconnect(ctx context.Context, id model.ConnectionIdentity) error {
	return c.do(ctx, http.MethodPost, "/api/remote/disconnect", nil,
		DisconnectRequest{Host: id.Host, Port: id.Port, Username: id.Username}, nil)
}

func (c *Client) Sessions(ctx context.Context) ([]model.ConnectionInfo, error) {
	var out struct {
		Sessions []model.ConnectionInfo `json:"sessions"`
	}
	err := c.do(ctx, http.MethodGet, "/api/remote/sessions", nil, nil, &out)
	return out.Sessions, err
}

func (c *Client) HostKeys(ctx context.Context) ([]model.HostKeyRecord, error) {
	var out struct {
		Hosts []model.HostKeyRecord `json:"hosts"`
	}
	err := c.do(ctx, http.MethodGet, "/api/remote/known-hosts", nil, nil, &out)
	return out.Hosts, err
}

func (c *Client) AcceptHostKey(ctx context.Context, rec model.HostKeyRecord) error {
	return c.do(ctx, http.MethodPost, "/api/remote/known-hosts/accept", nil, rec, nil)
}

// RemoveHostKey reports whether a record existed.
func (c *Client) RemoveHostKey(ctx context.Context, host string, port int) (bool, error) {
	var out okResponse
	err := c.do(ctx, http.MethodPost, "/api/remote/known-hosts/remove", nil, RemoveHostKeyRequest{Host: host, Port: port}, &out)
	return out.Removed, err
}

func (c *Client) Environments(ctx context.Context, connectionID string) ([]model.RemoteEnvironment, error) {
	var out struct {
		Environments []model.RemoteEnvironment `json:"environments"`
	}
	q := url.Values{"connection_id": {connectionID}}
	err := c.do(ctx, http.MethodGet, "/api/remote/environments", q, nil, &out)
	return out.Environments, err
}

func (c *Client) ListDir(ctx context.Context, connectionID, dir string, hidden bool) (browse.Listing, error) {
	var out browse.Listing
	q := url.Values{"connection_id": {connectionID}, "path": {dir}}
	if hidden {
		q.Set("hidden", "true")
	}
	err := c.do(ctx, http.MethodGet, "/api/remote/fs/list", q, nil, &out)
	return out, err
}

func (c *Client) Exists(ctx context.Context, connectionID, p string) (exists, isDir bool, err error) {
	var out struct {
		Exists bool `json:"exists"`
		IsDir  bool `json:"is_dir"`
	}
	q := url.Values{"connection_id": {connectionID}, "path": {p}}
	err = c.do(ctx, http.MethodGet, "/api/remote/fs/exists", q, nil, &out)
	return out.Exists, out.IsDir, err
}

func (c *Client) StartViewer(ctx context.Context, req StartViewerRequest) (model.ViewerSession, error) {
	var out struct {
		Session model.ViewerSession `json:"session"`
	}
	err := c.do(ctx, http.MethodPost, "/api/remote/viewer/start", nil, req, &out)
	return out.Session, err
}

func (c *Client) StopViewer(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/api/remote/viewer/stop", nil, StopViewerRequest{SessionID: sessionID}, nil)
}

func (c *Client) ViewerSessions(ctx context.Context) ([]model.ViewerSession, error) {
	var out struct {
		Sessions []model.ViewerSession `json:"sessions"`
	}
	err := c.do(ctx, http.MethodGet, "/api/remote/viewer/sessions", nil, nil, &out)
	return out.Sessions, err
}

func (c *Client) ViewerTunnels(ctx context.Context) ([]model.TunnelRuntime, error) {
	var out struct {
		Tunnels []model.TunnelRuntime `json:"tunnels"`
	}
	err := c.do(ctx, http.MethodGet, "/api/remote/viewer/tunnels", nil, nil, &out)
	return out.Tunnels, err
}

func (c *Client) ViewerStatus(ctx context.Context, sessionID string) (model.ViewerSession, error) {
	var out model.ViewerSession
	err := c.do(ctx, http.MethodGet, "/api/remote/viewer/status/"+url.PathEscape(sessionID), nil, nil, &out)
	return out, err
}

func (c *Client) ViewerEvents(ctx context.Context, q events.Query) ([]events.Event, error) {
	v := url.Values{}
	if q.Connection != "" {
		v.Set("connection", q.Connection)
	}
	if q.SessionID != "" {
		v.Set("session_id", q.SessionID)
	}
	if q.EventType != "" {
		v.Set("type", q.EventType)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var out struct {
		Events []events.Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, "/api/remote/viewer/events", v, nil, &out)
	return out.Events, err
}

func (c *Client) SavedConnections(ctx context.Context) ([]profiles.Profile, error) {
	var out struct {
		Connections []profiles.Profile `json:"connections"`
	}
	err := c.do(ctx, http.MethodGet, "/api/remote/connections/saved", nil, nil, &out)
	return out.Connections, err
}

func (c *Client) SaveConnection(ctx context.Context, p profiles.Profile) error {
	return c.do(ctx, http.MethodPost, "/api/remote/connections/saved", nil, p, nil)
}

func (c *Client) DeleteConnection(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/remote/connections/saved/"+url.PathEscape(name), nil, nil, nil)
}
