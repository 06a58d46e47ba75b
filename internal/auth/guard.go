package auth

import (
	"context"
	"net/url"
	"strings"
)

const LoginPath = "/login"

// Guard decides whether a destination may be entered with the current
// credential.
type Guard struct {
	manager *Manager
	public  map[string]bool
}

func NewGuard(m *Manager, publicPaths ...string) *Guard {
	public := map[string]bool{LoginPath: true, "/register": true}
	for _, p := range publicPaths {
		public[normalizePath(p)] = true
	}
	return &Guard{manager: m, public: public}
}

// CanActivate returns ("", true) when target may be entered. Otherwise the
// credential is dropped and the login redirect carrying target as
// returnUrl is returned.
func (g *Guard) CanActivate(ctx context.Context, target string) (string, bool) {
	target = normalizePath(target)
	if g.public[target] {
		return "", true
	}
	cred, ok := g.manager.Current()
	if ok && cred.Valid(g.manager.now()) && strings.TrimSpace(cred.User.ID) != "" {
		return "", true
	}

	g.manager.set(nil)
	if err := g.manager.store.Clear(ctx); err != nil {
		g.manager.logger.Error().Err(err).Msg("failed to clear credential")
	}
	g.manager.metrics.LoginRequired.Inc()
	return LoginPath + "?returnUrl=" + url.QueryEscape(target), false
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}
