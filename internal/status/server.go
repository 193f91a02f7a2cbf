// Package status serves the progress of a run over HTTP.
package status

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/tastythames/probe-deployer/internal/cache"
	"github.com/tastythames/probe-deployer/internal/job"
	"github.com/tastythames/probe-deployer/internal/pipeline"
)

// Controller is the part of a coordinator exposed over HTTP.
type Controller interface {
	Status() pipeline.Status
	Jobs(stage string) []*job.Job
	RequestStop(block bool)
}

var stages = []string{pipeline.StageDownload, pipeline.StageTransfer, pipeline.StageInstall}

type deviceResult struct {
	Address    string        `json:"address"`
	Alias      string        `json:"alias"`
	Platform   string        `json:"platform"`
	Format     string        `json:"format"`
	Status     string        `json:"status"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// NewRouter builds the status API. gatherer may be nil to disable /metrics.
func NewRouter(ctrl Controller, c cache.Cache, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(ctx *gin.Context) {
		ctx.String(http.StatusOK, "OK")
	})

	api := r.Group("/api/v1")
	api.GET("/status", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, ctrl.Status())
	})
	api.GET("/jobs", func(ctx *gin.Context) {
		out := make(map[string][]job.Snapshot, len(stages))
		for _, stage := range stages {
			jobs := ctrl.Jobs(stage)
			snaps := make([]job.Snapshot, len(jobs))
			for i, j := range jobs {
				snaps[i] = j.Snapshot()
			}
			out[stage] = snaps
		}
		ctx.JSON(http.StatusOK, out)
	})
	api.GET("/jobs/:stage/:index/logs", func(ctx *gin.Context) {
		jobs := ctrl.Jobs(ctx.Param("stage"))
		if jobs == nil {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "unknown stage " + ctx.Param("stage")})
			return
		}
		idx, err := strconv.Atoi(ctx.Param("index"))
		if err != nil || idx < 0 || idx >= len(jobs) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "no job at index " + ctx.Param("index")})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{
			"job":  jobs[idx].Snapshot(),
			"logs": jobs[idx].Logs(),
		})
	})
	api.GET("/devices", func(ctx *gin.Context) {
		if c == nil {
			ctx.JSON(http.StatusOK, []deviceResult{})
			return
		}
		snap := c.Snapshot()
		out := make([]deviceResult, 0, len(snap))
		for _, addr := range cache.Addresses(snap) {
			res := snap[addr]
			dr := deviceResult{
				Address:    addr,
				Alias:      res.Alias,
				Platform:   res.Platform,
				Format:     res.Format,
				Status:     res.Status,
				Duration:   res.Duration,
				RecordedAt: res.At,
			}
			if res.Err != nil {
				dr.Error = res.Err.Error()
			}
			out = append(out, dr)
		}
		ctx.JSON(http.StatusOK, out)
	})
	api.POST("/stop", func(ctx *gin.Context) {
		log.Info("Stop requested over the status API")
		ctrl.RequestStop(false)
		ctx.JSON(http.StatusAccepted, gin.H{"msg": "Stop requested"})
	})

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// Serve runs handler on listen until ctx is done, then shuts down.
func Serve(ctx context.Context, listen string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Status API listening on %s", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "status API failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
