// Package httpapi is the HTTP client for the messaging server API. It
// implements transport.Transport over plain JSON endpoints and maps the
// server's error codes back to the transport sentinels.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opd-ai/groupsync/transport"
)

const defaultTimeout = 30 * time.Second

// Client talks to one server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for baseURL. httpClient may be nil for a default
// with a 30s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

type apiError struct {
	Code    string
	Message string
	Status  int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server error %d (%s): %s", e.Status, e.Code, e.Message)
}

// Unwrap maps well-known error codes to the transport sentinels so
// errors.Is works across the HTTP boundary.
func (e *apiError) Unwrap() error {
	switch e.Code {
	case "no_welcome":
		return transport.ErrNoWelcome
	case "epoch_rejected":
		return transport.ErrEpochRejected
	default:
		return nil
	}
}

// do performs one JSON round trip. in may be nil for GET requests; out may
// be nil when the response body is irrelevant.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var eb struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(raw, &eb); err != nil {
			eb.Error = string(raw)
		}
		return &apiError{Code: eb.Code, Message: eb.Error, Status: resp.StatusCode}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) CreateConversation(ctx context.Context, members []string) (string, error) {
	var resp struct {
		ConvoID string `json:"convo_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/conversations",
		map[string][]string{"members": members}, &resp)
	return resp.ConvoID, err
}

func (c *Client) AddMembers(ctx context.Context, convoID string, commitBytes, welcomeBytes []byte) (uint64, error) {
	var resp struct {
		Epoch uint64 `json:"epoch"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/conversations/"+url.PathEscape(convoID)+"/commits",
		map[string][]byte{"commit": commitBytes, "welcome": welcomeBytes}, &resp)
	return resp.Epoch, err
}

func (c *Client) FetchCommits(ctx context.Context, convoID string, sinceEpoch uint64) ([][]byte, error) {
	var resp struct {
		Commits [][]byte `json:"commits"`
	}
	path := fmt.Sprintf("/api/v1/conversations/%s/commits?since=%d", url.PathEscape(convoID), sinceEpoch)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Commits, nil
}

func (c *Client) GetWelcome(ctx context.Context, convoID, identity string) ([]byte, error) {
	var resp struct {
		Welcome []byte `json:"welcome"`
	}
	path := "/api/v1/conversations/" + url.PathEscape(convoID) + "/welcome?identity=" + url.QueryEscape(identity)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Welcome, nil
}

func (c *Client) GetExpectedConversations(ctx context.Context, identity string) ([]string, error) {
	var resp struct {
		ConversationIDs []string `json:"conversation_ids"`
	}
	path := "/api/v1/identities/" + url.PathEscape(identity) + "/conversations"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.ConversationIDs, nil
}

func (c *Client) PublishKeyPackages(ctx context.Context, identity string, packages [][]byte) error {
	path := "/api/v1/identities/" + url.PathEscape(identity) + "/key-packages"
	return c.do(ctx, http.MethodPost, path, map[string][][]byte{"packages": packages}, nil)
}

func (c *Client) GetKeyPackageStats(ctx context.Context, identity string) (*transport.KeyPackageStats, error) {
	var stats transport.KeyPackageStats
	path := "/api/v1/identities/" + url.PathEscape(identity) + "/key-packages/stats"
	if err := c.do(ctx, http.MethodGet, path, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) ClaimKeyPackages(ctx context.Context, identities []string) (map[string][]byte, error) {
	var resp struct {
		Packages map[string][]byte `json:"packages"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/key-packages/claims",
		map[string][]string{"identities": identities}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Packages, nil
}

func (c *Client) RequestRejoin(ctx context.Context, convoID string, keyPackageBytes []byte) (string, error) {
	var resp struct {
		RequestID string `json:"request_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/conversations/"+url.PathEscape(convoID)+"/rejoins",
		map[string][]byte{"key_package": keyPackageBytes}, &resp)
	return resp.RequestID, err
}

func (c *Client) FetchRejoinRequests(ctx context.Context, convoID string) ([]transport.RejoinRequest, error) {
	var resp struct {
		Requests []transport.RejoinRequest `json:"requests"`
	}
	path := "/api/v1/conversations/" + url.PathEscape(convoID) + "/rejoins"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Requests, nil
}

func (c *Client) SendMessage(ctx context.Context, convoID string, payload []byte) (uint64, error) {
	var resp struct {
		Seq uint64 `json:"seq"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/conversations/"+url.PathEscape(convoID)+"/messages",
		map[string][]byte{"payload": payload}, &resp)
	return resp.Seq, err
}

func (c *Client) FetchMessages(ctx context.Context, convoID string, sinceSeq uint64) ([]transport.InboundMessage, error) {
	var resp struct {
		Messages []transport.InboundMessage `json:"messages"`
	}
	path := fmt.Sprintf("/api/v1/conversations/%s/messages?since=%d", url.PathEscape(convoID), sinceSeq)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) GetConversationEpoch(ctx context.Context, convoID string) (uint64, error) {
	var resp struct {
		Epoch uint64 `json:"epoch"`
	}
	path := "/api/v1/conversations/" + url.PathEscape(convoID) + "/epoch"
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Epoch, err
}

var _ transport.Transport = (*Client)(nil)
