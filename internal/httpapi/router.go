// Package httpapi is the gin surface of the service: auth endpoints, /me,
// health and metrics.
package httpapi

import (
	"net/http"

	"github.com/MrEthical07/taskgate"
	"github.com/MrEthical07/taskgate/internal/logging"
	"github.com/MrEthical07/taskgate/middleware"
	"github.com/gin-gonic/gin"
)

// Options configures NewRouter. Metrics may be nil, in which case /metrics is
// not mounted.
type Options struct {
	Logger         logging.Logger
	Metrics        http.Handler
	TrustedProxies []string
}

type Handler struct {
	gate *taskgate.Gate
	log  logging.Logger
}

func NewHandler(gate *taskgate.Gate, log logging.Logger) *Handler {
	if log == nil {
		log = logging.NewSlogLogger(nil)
	}
	return &Handler{gate: gate, log: log}
}

// NewRouter wires every route onto a fresh gin engine.
func NewRouter(gate *taskgate.Gate, opts Options) (*gin.Engine, error) {
	h := NewHandler(gate, opts.Logger)

	r := gin.New()
	if err := r.SetTrustedProxies(opts.TrustedProxies); err != nil {
		return nil, err
	}
	r.Use(requestLogger(h.log), clientContext())

	h.RegisterAuthRoutes(r.Group("/auth"))
	r.GET("/me", middleware.RateLimit(gate, taskgate.ClassDefault), middleware.RequireAuth(gate), h.Me)
	r.GET("/healthz", h.Health)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	return r, nil
}

func (h *Handler) RegisterAuthRoutes(g *gin.RouterGroup) {
	g.POST("/register", middleware.RateLimit(h.gate, taskgate.ClassRegister), h.Register)
	g.POST("/login", middleware.RateLimit(h.gate, taskgate.ClassLogin), h.Login)
	g.POST("/refresh", middleware.RateLimit(h.gate, taskgate.ClassRefresh), h.Refresh)
	g.POST("/logout", middleware.RateLimit(h.gate, taskgate.ClassLogout), h.Logout)
}
