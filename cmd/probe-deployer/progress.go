package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
	"golang.org/x/sync/errgroup"

	"github.com/tastythames/probe-deployer/internal/job"
	"github.com/tastythames/probe-deployer/internal/pipeline"
)

const tickDuration = 200 * time.Millisecond

var displayStages = []string{pipeline.StageDownload, pipeline.StageTransfer, pipeline.StageInstall}

// progressDisplay polls the coordinator and renders one bar per stage.
// Workers never talk to it.
type progressDisplay struct {
	coord    *pipeline.Coordinator
	done     chan struct{}
	finished chan struct{}
}

func newProgressDisplay(coord *pipeline.Coordinator) *progressDisplay {
	return &progressDisplay{
		coord:    coord,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (pd *progressDisplay) launch(ctx context.Context, egrp *errgroup.Group) {
	progressCtr := mpb.NewWithContext(ctx, mpb.WithOutput(os.Stderr))
	// log lines would tear the bars; hold them until the display exits
	prevOut := log.StandardLogger().Out
	held := &heldOutput{}
	log.SetOutput(held)

	bars := make(map[string]*mpb.Bar, len(displayStages))
	for _, stage := range displayStages {
		total := int64(len(pd.coord.Jobs(stage)))
		bars[stage] = progressCtr.AddBar(total,
			mpb.PrependDecorators(
				decor.Name(stage, decor.WCSyncSpaceR),
				decor.CountersNoUnit("%d / %d", decor.WCSyncSpaceR),
			),
			mpb.AppendDecorators(
				decor.OnComplete(decor.Percentage(decor.WC{W: 5}), "done"),
				decor.Any(func(decor.Statistics) string {
					return pd.failures(stage)
				}, decor.WC{W: 12}),
			),
		)
	}

	egrp.Go(func() error {
		defer close(pd.finished)
		defer func() {
			progressCtr.Wait()
			log.SetOutput(prevOut)
			held.flushTo(prevOut)
		}()

		ticker := time.NewTicker(tickDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				pd.abort(bars)
				return nil
			case <-pd.done:
				pd.update(bars)
				pd.abort(bars)
				return nil
			case <-ticker.C:
				pd.update(bars)
			}
		}
	})
}

// update moves every bar to the number of terminal jobs in its stage.
func (pd *progressDisplay) update(bars map[string]*mpb.Bar) {
	for stage, bar := range bars {
		var finished int64
		for _, j := range pd.coord.Jobs(stage) {
			if j.Status().Terminal() {
				finished++
			}
		}
		bar.SetCurrent(finished)
	}
}

func (pd *progressDisplay) abort(bars map[string]*mpb.Bar) {
	for _, bar := range bars {
		if !bar.Completed() {
			bar.Abort(false)
		}
	}
}

func (pd *progressDisplay) failures(stage string) string {
	var failed int
	for _, j := range pd.coord.Jobs(stage) {
		if j.Status() == job.Error {
			failed++
		}
	}
	if failed == 0 {
		return ""
	}
	return fmt.Sprintf(" %d failed", failed)
}

// shutdown renders the final state and waits for the display to exit.
func (pd *progressDisplay) shutdown() {
	close(pd.done)
	<-pd.finished
}

// heldOutput buffers log output while the bars are drawn.
type heldOutput struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (h *heldOutput) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buf.Write(p)
}

func (h *heldOutput) flushTo(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, _ = h.buf.WriteTo(w)
}
