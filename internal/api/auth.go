package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"probooking/internal/config"
	"probooking/internal/models"

	"golang.org/x/time/rate"
)

const (
	apiKeyHeaderDefault   = "x-api-key"
	apiExtraHeaderDefault = "x-api-extra"
	clientKeyUnknown      = "unknown"

	headerActorID   = "X-Actor-ID"
	headerActorRole = "X-Actor-Role"
)

// Permission scopes granted to API clients.
const (
	permReadAvailability = "read:availability"
	permReadBookings     = "read:bookings"
	permWriteBookings    = "write:bookings"
	permWriteSettings    = "write:settings"
	permWritePayments    = "write:payments"
	permWriteDisputes    = "write:disputes"
	permWriteRefunds     = "write:refunds"
	permAdminExport      = "admin:export"
	// permActAsSystem lets a client present the system role (payment gateway, schedulers).
	permActAsSystem = "act:system"
)

var (
	errMissingAPIKey    = errors.New("missing api key headers")
	errInvalidAPIKey    = errors.New("invalid api key")
	errInvalidExtra     = errors.New("invalid extra header")
	errPermissionDenied = errors.New("permission denied")
	errRateLimited      = errors.New("rate limit exceeded")
	errMissingActor     = errors.New("missing or invalid actor identity")
)

type clientCtxKey struct{}

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg      *config.APIConfig
	clients  map[string]config.APIClientKey
	limiters sync.Map // client key -> *rate.Limiter
}

func NewHTTPAuth(cfg *config.APIConfig) *HTTPAuth {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	return &HTTPAuth{cfg: cfg, clients: m}
}

// Wrap authenticates the calling client and applies its rate limit.
// The matched client travels in the request context for permission checks.
func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isProbe(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			client, err := a.checkAuth(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), clientCtxKey{}, client))
		}

		if err := a.checkRateLimit(r); err != nil {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAuth) apiKeyHeader() string {
	h := strings.ToLower(strings.TrimSpace(a.cfg.Auth.HeaderAPIKey))
	if h == "" {
		return apiKeyHeaderDefault
	}
	return h
}

func (a *HTTPAuth) extraHeader() string {
	h := strings.ToLower(strings.TrimSpace(a.cfg.Auth.HeaderExtra))
	if h == "" {
		return apiExtraHeaderDefault
	}
	return h
}

func (a *HTTPAuth) checkAuth(r *http.Request) (config.APIClientKey, error) {
	apiKey := strings.TrimSpace(r.Header.Get(a.apiKeyHeader()))
	extra := strings.TrimSpace(r.Header.Get(a.extraHeader()))
	if apiKey == "" || extra == "" {
		return config.APIClientKey{}, errMissingAPIKey
	}

	client, ok := a.clients[apiKey]
	if !ok {
		return config.APIClientKey{}, errInvalidAPIKey
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return config.APIClientKey{}, errInvalidExtra
	}
	return client, nil
}

// permit checks the route scope against the client resolved by Wrap.
// Without auth every client is trusted; an empty permission list allows everything.
func (a *HTTPAuth) permit(r *http.Request, required string) error {
	if !a.cfg.Auth.Enabled || required == "" {
		return nil
	}
	client, ok := r.Context().Value(clientCtxKey{}).(config.APIClientKey)
	if !ok {
		return errPermissionDenied
	}
	if len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

func (a *HTTPAuth) checkRateLimit(r *http.Request) error {
	if a.cfg.RateLimit.RPS <= 0 {
		return nil
	}

	if !a.limiterFor(a.clientKey(r)).Allow() {
		return errRateLimited
	}
	return nil
}

func (a *HTTPAuth) limiterFor(key string) *rate.Limiter {
	if v, ok := a.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}

	burst := a.cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 5
	}
	actual, _ := a.limiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(a.cfg.RateLimit.RPS), burst))
	return actual.(*rate.Limiter)
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.apiKeyHeader())); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

// actor resolves the caller identity forwarded by the gateway.
func (a *HTTPAuth) actor(r *http.Request) (models.Actor, error) {
	role, ok := models.ParseActorRole(r.Header.Get(headerActorRole))
	if !ok {
		return models.Actor{}, errMissingActor
	}

	if role == models.RoleSystem {
		if err := a.permit(r, permActAsSystem); err != nil {
			return models.Actor{}, err
		}
		return models.SystemActor(), nil
	}

	id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(headerActorID)), 10, 64)
	if err != nil || id <= 0 {
		return models.Actor{}, errMissingActor
	}
	return models.Actor{ID: id, Role: role}, nil
}

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}
