package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/fieldctl/internal/memory"
	"github.com/danmuck/fieldctl/internal/syncer"
)

type proposeRequest struct {
	Object memory.Object `json:"object"`
	Proof  memory.Proof  `json:"proof"`
}

type queryRequest struct {
	Target     memory.Object `json:"target"`
	Threshold  float64       `json:"threshold"`
	MaxResults int           `json:"max_results"`
}

func (s *Server) adminGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authz == nil {
			c.Next()
			return
		}
		if err := s.authz.Validate(c.GetHeader("X-Admin-Token")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func (s *Server) RegisterRoutes() {
	v1 := s.router.Group("/v1")

	v1.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"node":    s.ID,
			"version": "0.0.1",
		})
	})

	v1.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"uptime": time.Since(s.Appeared).String(),
			"node":   s.ID,
			"state":  s.sync.State(),
		})
	})

	v1.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1.GET("/field/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.field.Stats())
	})

	v1.GET("/field/entries", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"entries": s.field.EntryIDs()})
	})

	v1.GET("/field/objects/:id", func(c *gin.Context) {
		entry, ok := s.field.GetObject(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
			return
		}
		c.JSON(http.StatusOK, entry)
	})

	v1.POST("/field/query", func(c *gin.Context) {
		var req queryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := req.Target.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.MaxResults <= 0 {
			req.MaxResults = 10
		}
		hits := s.field.QuerySimilar(req.Target, req.Threshold, req.MaxResults)
		c.JSON(http.StatusOK, gin.H{"results": hits})
	})

	admin := v1.Group("", s.adminGuard())

	admin.POST("/propose", func(c *gin.Context) {
		var req proposeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := req.Object.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		entry, err := s.sync.AddProposal(req.Object, req.Proof)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, syncer.ErrProposalLogFull) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"proposal": entry.ID,
			"status":   entry.Status,
		})
	})

	v1.GET("/proposals", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"proposals": s.sync.ProposalLog()})
	})

	v1.GET("/commit/history", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"results": s.proto.History()})
	})

	v1.GET("/commit/proposals/:id", func(c *gin.Context) {
		id := c.Param("id")
		prop, ok := s.proto.Get(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "proposal not found"})
			return
		}
		ev, _ := s.proto.EvidenceFor(id)
		c.JSON(http.StatusOK, gin.H{"proposal": prop, "evidence": ev})
	})

	v1.GET("/sync/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.sync.SyncStatus())
	})

	admin.POST("/sync/connect", func(c *gin.Context) {
		if err := s.sync.Connect(); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, syncer.ErrAlreadyConnected) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": s.sync.State()})
	})

	admin.POST("/sync/trigger", func(c *gin.Context) {
		if err := s.sync.Sync(); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, syncer.ErrNotConnected) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, s.sync.SyncStatus())
	})

	admin.POST("/sync/reconnect", func(c *gin.Context) {
		if err := s.sync.TryReconnect(); err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, syncer.ErrAlreadyConnected):
				status = http.StatusConflict
			case errors.Is(err, syncer.ErrReconnectThrottled):
				status = http.StatusTooManyRequests
			case errors.Is(err, syncer.ErrReconnectExhausted):
				status = http.StatusGone
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, s.sync.SyncStatus())
	})
}
