package api

import (
	"context"
	"net/http"
)

// Public endpoints reachable without a bearer token.
const (
	PathLogin        = "/Auth/login"
	PathRegister     = "/Auth/register"
	PathRefreshToken = "/Auth/refresh-token"
)

// AuthClient talks to the unauthenticated /Auth endpoints.
type AuthClient struct {
	base *baseClient
}

func NewAuthClient(cfg Config) (*AuthClient, error) {
	base, err := newBaseClient(cfg)
	if err != nil {
		return nil, err
	}
	return &AuthClient{base: base}, nil
}

func (c *AuthClient) Login(ctx context.Context, req LoginRequest) (LoginResponse, error) {
	var out LoginResponse
	if err := c.base.call(ctx, http.MethodPost, PathLogin, nil, req, &out); err != nil {
		return LoginResponse{}, err
	}
	return out, nil
}

func (c *AuthClient) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var out RegisterResponse
	if err := c.base.call(ctx, http.MethodPost, PathRegister, nil, req, &out); err != nil {
		return RegisterResponse{}, err
	}
	return out, nil
}

func (c *AuthClient) Refresh(ctx context.Context, refreshToken string) (LoginResponse, error) {
	var out LoginResponse
	if err := c.base.call(ctx, http.MethodPost, PathRefreshToken, nil, RefreshRequest{RefreshToken: refreshToken}, &out); err != nil {
		return LoginResponse{}, err
	}
	return out, nil
}
