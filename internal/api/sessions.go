package api

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Client calls the guarded chat endpoints. Its HTTPClient is expected to
// carry a transport that attaches the bearer token.
type Client struct {
	base *baseClient
}

func NewClient(cfg Config) (*Client, error) {
	base, err := newBaseClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{base: base}, nil
}

func sessionPath(parts ...string) string {
	p := "/ChatSession"
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *Client) ListSessions(ctx context.Context, page, size int) ([]ChatSessionListItem, error) {
	var out []ChatSessionListItem
	if err := c.base.call(ctx, http.MethodGet, sessionPath(), pageQuery(page, size), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ActiveSessions(ctx context.Context) ([]ChatSessionListItem, error) {
	var out []ChatSessionListItem
	if err := c.base.call(ctx, http.MethodGet, sessionPath("active"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (ChatSessionResponse, error) {
	var out ChatSessionResponse
	if err := c.base.call(ctx, http.MethodGet, sessionPath(id), nil, nil, &out); err != nil {
		return ChatSessionResponse{}, err
	}
	return out, nil
}

func (c *Client) SearchSessions(ctx context.Context, term string) ([]ChatSessionListItem, error) {
	var out []ChatSessionListItem
	q := url.Values{"searchTerm": {term}}
	if err := c.base.call(ctx, http.MethodGet, sessionPath("search"), q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SessionsBetween(ctx context.Context, start, end time.Time) ([]ChatSessionListItem, error) {
	var out []ChatSessionListItem
	q := url.Values{"startDate": {formatDate(start)}, "endDate": {formatDate(end)}}
	if err := c.base.call(ctx, http.MethodGet, sessionPath("date-range"), q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (ChatSessionResponse, error) {
	var out ChatSessionResponse
	if err := c.base.call(ctx, http.MethodPost, sessionPath(), nil, req, &out); err != nil {
		return ChatSessionResponse{}, err
	}
	return out, nil
}

func (c *Client) UpdateSession(ctx context.Context, req UpdateSessionRequest) error {
	return c.base.call(ctx, http.MethodPut, "/ChatSession/Session/Update", nil, req, nil)
}

func (c *Client) UpdateSessionModel(ctx context.Context, req UpdateSessionModelRequest) error {
	return c.base.call(ctx, http.MethodPut, "/ChatSession/Session/Model/Update", nil, req, nil)
}

func (c *Client) CloneSession(ctx context.Context, id string) (ChatSessionResponse, error) {
	var out ChatSessionResponse
	if err := c.base.call(ctx, http.MethodPost, sessionPath("clone", id), nil, nil, &out); err != nil {
		return ChatSessionResponse{}, err
	}
	return out, nil
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.base.call(ctx, http.MethodDelete, sessionPath(id), nil, nil, nil)
}

func (c *Client) SoftDeleteSession(ctx context.Context, id string) error {
	return c.base.call(ctx, http.MethodDelete, sessionPath(id, "soft"), nil, nil, nil)
}
