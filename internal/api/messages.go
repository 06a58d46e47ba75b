package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

func messagePath(parts ...string) string {
	p := "/ChatMessage"
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (SendMessageResult, error) {
	if req.Base64Images == nil {
		req.Base64Images = []string{}
	}
	var out SendMessageResult
	if err := c.base.call(ctx, http.MethodPost, messagePath("send"), nil, req, &out); err != nil {
		return SendMessageResult{}, err
	}
	return out, nil
}

func (c *Client) SessionMessages(ctx context.Context, sessionID string, q MessageQuery) (Paginated[ChatMessageDto], error) {
	query := pageQuery(q.PageNumber, q.PageSize)
	if !q.StartDate.IsZero() {
		query.Set("startDate", formatDate(q.StartDate))
	}
	if !q.EndDate.IsZero() {
		query.Set("endDate", formatDate(q.EndDate))
	}
	query.Set("includeDeleted", strconv.FormatBool(q.IncludeDeleted))

	var out Paginated[ChatMessageDto]
	if err := c.base.call(ctx, http.MethodGet, messagePath("session", sessionID), query, nil, &out); err != nil {
		return Paginated[ChatMessageDto]{}, err
	}
	return out, nil
}

func (c *Client) GetMessage(ctx context.Context, id string) (ChatMessageDto, error) {
	var out ChatMessageDto
	if err := c.base.call(ctx, http.MethodGet, messagePath(id), nil, nil, &out); err != nil {
		return ChatMessageDto{}, err
	}
	return out, nil
}

func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	return c.base.call(ctx, http.MethodDelete, messagePath(id), nil, nil, nil)
}

func (c *Client) DeleteMessages(ctx context.Context, ids []string) error {
	return c.base.call(ctx, http.MethodDelete, messagePath("bulk"), nil, BulkDeleteRequest{MessageIDs: ids}, nil)
}

func (c *Client) DeleteSessionMessages(ctx context.Context, sessionID string) error {
	return c.base.call(ctx, http.MethodDelete, messagePath("session", sessionID), nil, nil, nil)
}

func (c *Client) CountSessionMessages(ctx context.Context, sessionID string) (int, error) {
	var out MessageCount
	if err := c.base.call(ctx, http.MethodGet, messagePath("session", sessionID, "count"), nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) SessionMessageStats(ctx context.Context, sessionID string) (MessageStats, error) {
	var out MessageStats
	if err := c.base.call(ctx, http.MethodGet, messagePath("session", sessionID, "stats"), nil, nil, &out); err != nil {
		return MessageStats{}, err
	}
	return out, nil
}

func (c *Client) SearchSessionMessages(ctx context.Context, sessionID, term string) ([]ChatMessageDto, error) {
	var out []ChatMessageDto
	q := url.Values{"searchTerm": {term}}
	if err := c.base.call(ctx, http.MethodGet, messagePath("session", sessionID, "search"), q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SessionMessagesBySender(ctx context.Context, sessionID string, sender SenderType) ([]ChatMessageDto, error) {
	var out []ChatMessageDto
	p := messagePath("session", sessionID, "sender", strconv.Itoa(int(sender)))
	if err := c.base.call(ctx, http.MethodGet, p, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
