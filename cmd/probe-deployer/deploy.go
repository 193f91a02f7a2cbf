package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/tastythames/probe-deployer/internal/artifact"
	"github.com/tastythames/probe-deployer/internal/cache"
	"github.com/tastythames/probe-deployer/internal/config"
	"github.com/tastythames/probe-deployer/internal/inventory"
	"github.com/tastythames/probe-deployer/internal/job"
	"github.com/tastythames/probe-deployer/internal/metrics"
	"github.com/tastythames/probe-deployer/internal/pipeline"
	"github.com/tastythames/probe-deployer/internal/sshclient"
	"github.com/tastythames/probe-deployer/internal/status"
)

var (
	deployCmd = &cobra.Command{
		Use:   "deploy",
		Short: "Download, transfer and install the probe on the selected devices",
		Args:  cobra.NoArgs,
		RunE:  runDeploy,
	}

	promptPasswords bool
	noProgress      bool
)

func init() {
	flags := deployCmd.Flags()
	flags.String("artifact", "", "Artifact service address")
	flags.Bool("insecure", false, "Skip TLS verification of the artifact service")
	flags.Bool("keep-files", false, "Keep downloaded packages after the run")
	flags.String("listen", "", "Serve the status API and metrics on this address")
	flags.Int("download-batch", 0, "Concurrent downloads")
	flags.Int("transfer-batch", 0, "Concurrent transfers")
	flags.Int("install-batch", 0, "Concurrent installs")
	flags.BoolVar(&promptPasswords, "ask-password", false, "Prompt for passwords missing from the inventory")
	flags.BoolVar(&noProgress, "no-progress", false, "Disable progress bars")

	mustBind("Artifact.Address", flags.Lookup("artifact"))
	mustBind("Artifact.Insecure", flags.Lookup("insecure"))
	mustBind("Deploy.KeepFiles", flags.Lookup("keep-files"))
	mustBind("Status.Listen", flags.Lookup("listen"))
	mustBind("Deploy.DownloadBatch", flags.Lookup("download-batch"))
	mustBind("Deploy.TransferBatch", flags.Lookup("transfer-batch"))
	mustBind("Deploy.InstallBatch", flags.Lookup("install-batch"))
}

func runDeploy(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	egrp := errgroupFrom(ctx)

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if err := cfg.RequireArtifact(); err != nil {
		return err
	}
	devices, err := loadDevices(cfg, promptPasswords)
	if err != nil {
		return err
	}
	if len(inventory.Selected(devices)) == 0 {
		return errors.Errorf("no device in %s is flagged for deployment", cfg.Inventory)
	}

	artifacts, err := artifact.NewClient(cfg.Artifact)
	if err != nil {
		return err
	}
	sshc, err := sshclient.New(cfg.SSH)
	if err != nil {
		return err
	}
	results := cache.NewMemCache()
	coord, err := pipeline.New(devices, cfg.Deploy, pipeline.Deps{
		Artifacts: artifacts,
		Dialer:    pipeline.SSHDialer{Client: sshc},
		Cache:     results,
	})
	if err != nil {
		return err
	}
	log.WithField("run", coord.RunID()).Infof("Artifact service %s", artifacts.Base())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Status.Listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			metrics.NewCollector(coord, results),
		)
		if !viper.GetBool("Debug") {
			gin.SetMode(gin.ReleaseMode)
		}
		router := status.NewRouter(coord, results, reg)
		egrp.Go(func() error {
			return status.Serve(runCtx, cfg.Status.Listen, router)
		})
	}

	stopOnSignal(runCtx, coord)

	var display *progressDisplay
	if !noProgress && term.IsTerminal(int(os.Stderr.Fd())) {
		display = newProgressDisplay(coord)
		display.launch(runCtx, egrp)
	}

	runErr := coord.Run(runCtx)
	if display != nil {
		display.shutdown()
	}
	printSummary(cmd, coord)
	return runErr
}

// loadDevices reads the inventory. With ask set, passwords missing from
// the inventory are read from the terminal.
func loadDevices(cfg *config.Config, ask bool) ([]inventory.Device, error) {
	inv, err := inventory.Load(cfg.Inventory)
	if err != nil {
		return nil, err
	}
	if !ask {
		return inv.Devices()
	}
	return inv.DevicesWithPrompt(readPassword)
}

func readPassword(e inventory.Entry) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("cannot prompt for a password: stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "Password for %s@%s (%s): ", e.SSH.User, e.Address, e.Alias)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", errors.Wrap(err, "failed to read password")
	}
	return string(b), nil
}

type stoppable interface {
	RequestStop(block bool)
}

// stopOnSignal asks the run to stop on the first SIGINT or SIGTERM. A
// second signal exits immediately.
func stopOnSignal(ctx context.Context, s stoppable) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(ch)
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			log.Warnf("Received %s, stopping (send again to exit immediately)", sig)
			go s.RequestStop(false)
		}
		select {
		case <-ctx.Done():
		case <-ch:
			log.Error("Exiting without cleanup")
			os.Exit(130)
		}
	}()
}

func printSummary(cmd *cobra.Command, coord *pipeline.Coordinator) {
	st := coord.Status()
	out := cmd.OutOrStdout()

	var downloaded uint64
	for _, j := range coord.DownloadJobs() {
		s := j.Snapshot()
		if s.Status == job.Completed {
			downloaded += uint64(s.SizeMB * 1024 * 1024)
		}
	}

	fmt.Fprintf(out, "%s: %s devices deployed, %s downloaded\n", st.State, coord.Summary(), humanize.IBytes(downloaded))
	for _, j := range coord.InstallJobs() {
		s := j.Snapshot()
		fmt.Fprintf(out, "  %-30s %-16s %s\n", s.Device, s.Address, s.Status)
	}
	if st.LogPath != "" {
		fmt.Fprintf(out, "Run log: %s\n", st.LogPath)
	}
}
