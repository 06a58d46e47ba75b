package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

func (c *Client) Plans(ctx context.Context, onlyActive bool) ([]PlanResponse, error) {
	var out []PlanResponse
	q := url.Values{"onlyActive": {strconv.FormatBool(onlyActive)}}
	if err := c.base.call(ctx, http.MethodGet, "/Plan", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Plan(ctx context.Context, id string) (PlanResponse, error) {
	var out PlanResponse
	if err := c.base.call(ctx, http.MethodGet, "/Plan/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return PlanResponse{}, err
	}
	return out, nil
}

func (c *Client) PlanModels(ctx context.Context) (PlanModelsResponse, error) {
	var out PlanModelsResponse
	if err := c.base.call(ctx, http.MethodGet, "/PlanUser/plan-models", nil, nil, &out); err != nil {
		return PlanModelsResponse{}, err
	}
	return out, nil
}
