package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// healthz is the liveness probe: if the process can answer, it is live.
func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusz is the readiness probe: reports enough to tell whether the
// orchestrator has a usable routing configuration and a reachable
// persistence layer, not just that the process is alive. ping is nil-safe:
// a caller under test need not wire a database up.
func (s *Server) statusz(repoCount func() int, ping func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		count := 0
		if repoCount != nil {
			count = repoCount()
		}

		status := "ok"
		dbStatus := "unknown"
		if ping != nil {
			if err := ping(c.Request.Context()); err != nil {
				dbStatus = "down"
				status = "degraded"
			} else {
				dbStatus = "ok"
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":       status,
			"uptimeSec":    int(time.Since(s.startedAt).Seconds()),
			"repositories": count,
			"database":     dbStatus,
		})
	}
}
