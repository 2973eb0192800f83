package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/punchamoorthee/punchgate/internal/gateway"
	"github.com/punchamoorthee/punchgate/internal/ratelimit"
)

// NewGateway builds the request gateway: authentication and rate limiting
// run globally, then the matched route.
func NewGateway(resolver PrincipalResolver, limiter ratelimit.Limiter, h *Handler, logger *zap.Logger) (*gateway.Gateway, error) {
	g := gateway.New(logger, gateway.WithErrorRenderer(RenderError))
	g.Use(Authenticate(resolver))
	g.Use(RateLimit(limiter, logger))
	if err := h.Register(g); err != nil {
		return nil, err
	}
	return g, nil
}

// NewRouter serves /metrics and /health directly and hands every other
// request to the gateway.
func NewRouter(gw http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.PathPrefix("/").Handler(gw)
	return r
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	gateway.JSON(code, payload).Send(w)
}
