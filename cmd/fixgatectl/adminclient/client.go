// Package adminclient is a thin HTTP/JSON client for internal/adminserver,
// the fixgatectl counterpart to the teacher's generated
// bfdv1connect.BfdServiceClient. The admin surface isn't a ConnectRPC
// service here (see internal/adminserver's package doc), so this client
// speaks plain JSON over net/http instead of wrapping a generated stub.
package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/nexusfix/fixgate/internal/session"
)

// Client talks to one fixgated admin HTTP endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client for the admin server at addr (host:port, no scheme).
func New(addr string) *Client {
	return &Client{baseURL: "http://" + addr, http: http.DefaultClient}
}

// ResetSequenceNumber calls POST /resetSequenceNumber.
func (c *Client) ResetSequenceNumber(ctx context.Context, id session.ID) error {
	_, err := c.post(ctx, "/resetSequenceNumber", struct {
		SessionID uint64 `json:"session_id"`
	}{SessionID: uint64(id)}, nil)
	return err
}

// ResetSessionIDs calls POST /resetSessionIds.
func (c *Client) ResetSessionIDs(ctx context.Context, backupDir string) error {
	_, err := c.post(ctx, "/resetSessionIds", struct {
		BackupDir string `json:"backup_dir"`
	}{BackupDir: backupDir}, nil)
	return err
}

// PruneArchive calls POST /pruneArchive.
func (c *Client) PruneArchive(ctx context.Context, minPositions map[string]int64) (map[string]int64, error) {
	var resp struct {
		NewStart map[string]int64 `json:"new_start"`
	}
	if _, err := c.post(ctx, "/pruneArchive", struct {
		MinPositions map[string]int64 `json:"min_positions,omitempty"`
	}{MinPositions: minPositions}, &resp); err != nil {
		return nil, err
	}
	return resp.NewStart, nil
}

// LookupSessionID calls GET /lookupSessionId.
func (c *Client) LookupSessionID(ctx context.Context, local, remote string) (session.ID, error) {
	q := url.Values{"local": {local}, "remote": {remote}}
	var resp struct {
		SessionID uint64 `json:"session_id"`
	}
	if err := c.get(ctx, "/lookupSessionId?"+q.Encode(), &resp); err != nil {
		return 0, err
	}
	return session.ID(resp.SessionID), nil
}

// AllSessions calls GET /allSessions.
func (c *Client) AllSessions(ctx context.Context) ([]session.Context, error) {
	var resp struct {
		Sessions []session.Context `json:"sessions"`
	}
	if err := c.get(ctx, "/allSessions", &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("adminclient: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("adminclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("adminclient: build request: %w", err)
	}
	_, err = c.do(req, out)
	return err
}

func (c *Client) do(req *http.Request, out any) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("adminclient: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return resp, fmt.Errorf("adminclient: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, string(body))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("adminclient: decode response: %w", err)
		}
	}
	return resp, nil
}
