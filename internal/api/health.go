package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

const probeTimeout = 3 * time.Second

// Probe は外部スキャナへの疎通確認です。
type Probe func(ctx context.Context) error

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		scanners = make(gin.H, len(h.probes))
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, probe := range h.probes {
		g.Go(func() error {
			state := gin.H{"reachable": true}
			if err := probe(gctx); err != nil {
				state = gin.H{"reachable": false, "error": err.Error()}
			}
			mu.Lock()
			scanners[name] = state
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	c.JSON(http.StatusOK, gin.H{
		"status":      "OK",
		"message":     "VAPT orchestrator is running",
		"baseUrl":     h.baseURL,
		"runningJobs": h.svc.Running(),
		"scanners":    scanners,
	})
}
