package auth

import (
	"net/http"
	"strings"

	"chatdesk/internal/api"
)

var publicPaths = []string{
	strings.ToLower(api.PathLogin),
	strings.ToLower(api.PathRegister),
	strings.ToLower(api.PathRefreshToken),
}

// Transport attaches the bearer token to every request except the public
// auth endpoints and drops the credential when the backend answers 401.
type Transport struct {
	Base    http.RoundTripper
	Manager *Manager
}

func NewTransport(base http.RoundTripper, m *Manager) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, Manager: m}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if isPublic(req.URL.Path) {
		return t.Base.RoundTrip(req)
	}

	token, err := t.Manager.Token(req.Context())
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}

	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+token)
	resp, err := t.Base.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		t.Manager.Invalidate(req.Context(), ErrRejected)
	}
	return resp, nil
}

func isPublic(p string) bool {
	p = strings.ToLower(strings.TrimRight(p, "/"))
	for _, pub := range publicPaths {
		if strings.HasSuffix(p, pub) {
			return true
		}
	}
	return false
}
