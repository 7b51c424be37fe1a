// Package httpapi serves the OCPI interfaces, the admin API and the
// operational endpoints.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ocpihub.org/internal/auth"
	"ocpihub.org/internal/command"
	"ocpihub.org/internal/events"
	"ocpihub.org/internal/handshake"
	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/ocpiclient"
	"ocpihub.org/internal/partner"
	"ocpihub.org/internal/push"
	"ocpihub.org/internal/replication"
	"ocpihub.org/internal/resource"
)

const serviceName = "ocpihub"

// ReadyProbe checks the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps are the components the API serves.
type Deps struct {
	Registry   *partner.Registry
	Gate       *auth.Gate
	Handshaker *handshake.Handshaker
	Engine     *replication.Engine
	Dispatcher *command.Dispatcher
	Receiver   *command.Receiver
	Puller     *push.Puller
	Clients    *ocpiclient.Cache
	Bus        *events.Bus
	// Signer enables the admin API; nil leaves /admin unmounted.
	Signer *auth.Signer
}

// Options configure the HTTP surface.
type Options struct {
	// BaseURL is the public URL, used in version details and Link headers.
	BaseURL string
	Roles   []ocpi.CredentialsRole
	Version string
	// AdminPasswordHash is a bcrypt hash; empty disables password login.
	AdminPasswordHash string
	AdminTokenTTL     time.Duration
	MaxBodyBytes      int64
	RatePerSecond     float64
	RateBurst         int
}

// API is the HTTP layer.
type API struct {
	deps       Deps
	opts       Options
	readyProbe ReadyProbe
	router     chi.Router
	now        func() time.Time
}

func New(rp ReadyProbe, deps Deps, opts Options) *API {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 50
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 100
	}
	if opts.AdminTokenTTL <= 0 {
		opts.AdminTokenTTL = time.Hour
	}
	a := &API{deps: deps, opts: opts, readyProbe: rp, now: time.Now}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/ocpi", func(r chi.Router) {
		r.Use(Compress)
		r.Use(a.withPartner)
		r.Get("/versions", a.versions)
		// The first segment is a version for discovery and credentials and
		// an interface role for module endpoints.
		r.Route("/{head}", func(r chi.Router) {
			r.Get("/", a.versionDetails)
			r.HandleFunc("/credentials", a.credentials)
			r.Route("/{version}", func(r chi.Router) {
				r.Post("/commands/{kind}", a.receiveCommand)
				r.Post("/commands/{kind}/{correlationID}", a.commandCallback)
				r.HandleFunc("/{module}", a.moduleCollection)
				r.HandleFunc("/{module}/*", a.moduleObject)
			})
		})
	})

	if a.deps.Signer != nil {
		r.Route("/admin", a.adminRoutes)
	}
	return r
}

// Handler wraps the router with the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSecond)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	roles := make([]string, 0, len(a.opts.Roles))
	for _, role := range a.opts.Roles {
		roles = append(roles, role.Identity())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":          serviceName,
		"time":          a.now().UTC().Format(time.RFC3339),
		"version":       a.opts.Version,
		"ocpi_versions": ocpi.SupportedVersions,
		"roles":         roles,
	})
}

// localRole reports whether the hub holds role for any party.
func (a *API) localRole(role ocpi.Role) bool {
	for _, r := range a.opts.Roles {
		if r.Role == role {
			return true
		}
	}
	return false
}

// localOwners lists the parties for which the hub holds role.
func (a *API) localOwners(role ocpi.Role) []resource.Owner {
	var out []resource.Owner
	for _, r := range a.opts.Roles {
		if r.Role == role {
			out = append(out, resource.Owner{CountryCode: strings.ToUpper(r.CountryCode), PartyID: strings.ToUpper(r.PartyID)})
		}
	}
	return out
}

// ownsLocal reports whether (countryCode, partyID) is a local party holding role.
func (a *API) ownsLocal(role ocpi.Role, countryCode, partyID string) bool {
	for _, r := range a.opts.Roles {
		if r.Role == role && r.Matches(countryCode, partyID) {
			return true
		}
	}
	return false
}
