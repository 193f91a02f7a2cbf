package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tastythames/probe-deployer/internal/config"
	"github.com/tastythames/probe-deployer/internal/inventory"
	"github.com/tastythames/probe-deployer/internal/job"
	"github.com/tastythames/probe-deployer/internal/pipeline"
	"github.com/tastythames/probe-deployer/internal/sshclient"
)

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the probe from the selected devices",
	Args:  cobra.NoArgs,
	RunE:  runUninstall,
}

var uninstallAsk bool

func init() {
	flags := uninstallCmd.Flags()
	flags.Bool("reboot", false, "Reboot each device after removing the probe")
	flags.BoolVar(&uninstallAsk, "ask-password", false, "Prompt for passwords missing from the inventory")
	mustBind("Deploy.Reboot", flags.Lookup("reboot"))
}

func runUninstall(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	devices, err := loadDevices(cfg, uninstallAsk)
	if err != nil {
		return err
	}
	if len(inventory.Selected(devices)) == 0 {
		return errors.Errorf("no device in %s is flagged for deployment", cfg.Inventory)
	}
	sshc, err := sshclient.New(cfg.SSH)
	if err != nil {
		return err
	}

	jobs, logErr := pipeline.Uninstall(ctx, devices, cfg.Deploy, pipeline.Deps{
		Dialer: pipeline.SSHDialer{Client: sshc},
	})

	out := cmd.OutOrStdout()
	var ok int
	for _, j := range jobs {
		s := j.Snapshot()
		if s.Status == job.Completed {
			ok++
		}
		fmt.Fprintf(out, "  %-30s %-16s %s\n", s.Device, s.Address, s.Status)
	}
	fmt.Fprintf(out, "%d/%d devices uninstalled\n", ok, len(jobs))
	if logErr != nil {
		return errors.Wrap(logErr, "failed to write run log")
	}
	if ok < len(jobs) {
		return errors.Errorf("%d devices failed", len(jobs)-ok)
	}
	return nil
}
