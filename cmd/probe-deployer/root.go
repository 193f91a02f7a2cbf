package main

import (
	"context"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/tastythames/probe-deployer/internal/config"
	"github.com/tastythames/probe-deployer/internal/logging"
)

type egrpKey struct{}

var (
	cfgFile   string
	logCloser io.Closer

	rootCmd = &cobra.Command{
		Use:   "probe-deployer",
		Short: "Deploy the insite probe to a fleet of Linux hosts",
		Long: `probe-deployer downloads the probe packages a fleet needs from the
artifact service, copies them to every selected host over SSH and installs
and starts the probe service. Downloads, transfers and installs each run as
a separate batch-bounded stage.`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}
)

// Execute runs the root command. Background goroutines (status API,
// progress display) join the errgroup carried in the command context and
// are waited for before returning.
func Execute() error {
	egrp, egrpCtx := errgroup.WithContext(context.Background())
	ctx := context.WithValue(egrpCtx, egrpKey{}, egrp)

	exeErr := rootCmd.ExecuteContext(ctx)
	if exeErr != nil {
		log.Errorln("Fatal error:", exeErr)
	}
	egrpErr := egrp.Wait()
	if logCloser != nil {
		_ = logCloser.Close()
	}
	if egrpErr != nil && !errors.Is(egrpErr, context.Canceled) {
		log.Errorln("Background task failed:", egrpErr)
		if exeErr == nil {
			return egrpErr
		}
	}
	return exeErr
}

// errgroupFrom returns the errgroup Execute placed in ctx, or a fresh one
// when the command runs outside Execute.
func errgroupFrom(ctx context.Context) *errgroup.Group {
	if egrp, ok := ctx.Value(egrpKey{}).(*errgroup.Group); ok {
		return egrp
	}
	egrp, _ := errgroup.WithContext(ctx)
	return egrp
}

func initConfig(cmd *cobra.Command, _ []string) error {
	if err := config.Init(viper.GetViper(), cfgFile); err != nil {
		return err
	}
	closer, err := logging.Setup(viper.GetString("Logging.Level"), viper.GetString("Logging.File"), viper.GetBool("Debug"))
	if err != nil {
		return err
	}
	logCloser = closer
	return nil
}

func init() {
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(inventoryCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./probe-deployer.yaml or $HOME/.config/probe-deployer/probe-deployer.yaml)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logs")
	rootCmd.PersistentFlags().StringP("inventory", "i", "", "Device inventory file")
	rootCmd.PersistentFlags().StringP("log", "l", "", "Also write logs to this file")

	mustBind("Debug", rootCmd.PersistentFlags().Lookup("debug"))
	mustBind("Inventory", rootCmd.PersistentFlags().Lookup("inventory"))
	mustBind("Logging.File", rootCmd.PersistentFlags().Lookup("log"))
}
