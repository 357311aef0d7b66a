package server

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/fieldctl/internal/auth"
	"github.com/danmuck/fieldctl/internal/commit"
	"github.com/danmuck/fieldctl/internal/field"
	"github.com/danmuck/fieldctl/internal/node"
	"github.com/danmuck/fieldctl/internal/observability"
	"github.com/danmuck/fieldctl/internal/syncer"
)

// Server fronts one field node: the local replica, its commit protocol,
// and the network synchronizer.
type Server struct {
	ID       string    `json:"id"`
	Addr     string    `json:"addr"`
	Appeared time.Time `json:"appeared"`

	router *gin.Engine

	field *field.Field
	proto *commit.Protocol
	sync  *syncer.Synchronizer
	authz auth.Validator
}

var _ node.Node = (*Server)(nil)

// Appear builds the node HTTP surface around an existing field stack.
func Appear(id, addr string, corsOrigins []string, f *field.Field, proto *commit.Protocol, sync *syncer.Synchronizer) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	return &Server{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		router:   r,
		field:    f,
		proto:    proto,
		sync:     sync,
	}
}

// RequireAdminToken guards the mutating routes with a token validator.
// Must be called before RegisterRoutes.
func (s *Server) RequireAdminToken(v auth.Validator) {
	s.authz = v
}

func (s *Server) NodeID() string {
	return s.ID
}

func (s *Server) Kind() string {
	return "field"
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) Serve() error {
	s.RegisterRoutes()
	return s.router.Run(s.Addr)
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		out = append(out, o)
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
