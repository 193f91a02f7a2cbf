// Package config layers defaults, an optional YAML config file and
// PROBE_DEPLOYER_* environment variables with viper.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/tastythames/probe-deployer/internal/artifact"
	"github.com/tastythames/probe-deployer/internal/pipeline"
	"github.com/tastythames/probe-deployer/internal/sshclient"
)

const (
	EnvPrefix  = "PROBE_DEPLOYER"
	configName = "probe-deployer"
)

type Config struct {
	Inventory string
	Artifact  artifact.Options
	Deploy    pipeline.Options
	SSH       sshclient.Config
	Status    StatusConfig
	Logging   LoggingConfig
}

type StatusConfig struct {
	// Listen is the status API address; empty disables it.
	Listen string
}

type LoggingConfig struct {
	Level string
	File  string
}

// SetDefaults registers every key with its default. SSH defaults come from
// sshclient.LoadConfig so SSH_PORT and SSH_TIMEOUT_SECONDS keep working.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("Inventory", "inventory.yaml")

	v.SetDefault("Artifact.Address", "")
	v.SetDefault("Artifact.Insecure", false)
	v.SetDefault("Artifact.Timeout", 30*time.Second)
	v.SetDefault("Artifact.OSFamily", "linux")
	v.SetDefault("Artifact.Architecture", "amd64")
	v.SetDefault("Artifact.Bits", 64)
	v.SetDefault("Artifact.ProbePort", 22222)
	v.SetDefault("Artifact.Filebeat", true)
	v.SetDefault("Artifact.Metricbeat", true)

	v.SetDefault("Deploy.DownloadBatch", 4)
	v.SetDefault("Deploy.TransferBatch", 8)
	v.SetDefault("Deploy.InstallBatch", 8)
	v.SetDefault("Deploy.FilesDir", "probe_files")
	v.SetDefault("Deploy.LogDir", "logs")
	v.SetDefault("Deploy.KeepFiles", false)
	v.SetDefault("Deploy.DownloadAttempts", 3)
	v.SetDefault("Deploy.ElevateTimeout", 5*time.Second)
	v.SetDefault("Deploy.CommandTimeout", 20*time.Second)
	v.SetDefault("Deploy.Reboot", false)

	ssh := sshclient.LoadConfig()
	v.SetDefault("SSH.Port", ssh.Port)
	v.SetDefault("SSH.Timeout", ssh.Timeout)
	v.SetDefault("SSH.KnownHosts", ssh.KnownHosts)

	v.SetDefault("Status.Listen", "")
	v.SetDefault("Logging.Level", "info")
	v.SetDefault("Logging.File", "")
}

// Init sets defaults, binds the environment and reads the config file.
// Without cfgFile the file is searched for in the working directory and
// in $HOME/.config/probe-deployer; not finding one is not an error.
func Init(v *viper.Viper, cfgFile string) error {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read config file %s", cfgFile)
		}
		log.Debugf("Using config file %s", v.ConfigFileUsed())
		return nil
	}

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", configName))
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errors.Wrap(err, "failed to read config file")
		}
		// Do not fail if the config file is missing
		return nil
	}
	log.Debugf("Using config file %s", v.ConfigFileUsed())
	return nil
}

// Load builds the typed configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	c := &Config{
		Inventory: v.GetString("Inventory"),
		Artifact: artifact.Options{
			Address:      v.GetString("Artifact.Address"),
			Insecure:     v.GetBool("Artifact.Insecure"),
			Timeout:      v.GetDuration("Artifact.Timeout"),
			OSFamily:     v.GetString("Artifact.OSFamily"),
			Architecture: v.GetString("Artifact.Architecture"),
			Bits:         v.GetInt("Artifact.Bits"),
			ProbePort:    v.GetInt("Artifact.ProbePort"),
			Filebeat:     v.GetBool("Artifact.Filebeat"),
			Metricbeat:   v.GetBool("Artifact.Metricbeat"),
		},
		Deploy: pipeline.Options{
			DownloadBatch:    v.GetInt("Deploy.DownloadBatch"),
			TransferBatch:    v.GetInt("Deploy.TransferBatch"),
			InstallBatch:     v.GetInt("Deploy.InstallBatch"),
			FilesDir:         v.GetString("Deploy.FilesDir"),
			LogDir:           v.GetString("Deploy.LogDir"),
			KeepFiles:        v.GetBool("Deploy.KeepFiles"),
			DownloadAttempts: v.GetInt("Deploy.DownloadAttempts"),
			ElevateTimeout:   v.GetDuration("Deploy.ElevateTimeout"),
			CommandTimeout:   v.GetDuration("Deploy.CommandTimeout"),
			Reboot:           v.GetBool("Deploy.Reboot"),
		},
		SSH: sshclient.Config{
			Port:       v.GetInt("SSH.Port"),
			Timeout:    v.GetDuration("SSH.Timeout"),
			KnownHosts: v.GetString("SSH.KnownHosts"),
		},
		Status: StatusConfig{
			Listen: v.GetString("Status.Listen"),
		},
		Logging: LoggingConfig{
			Level: v.GetString("Logging.Level"),
			File:  v.GetString("Logging.File"),
		},
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	batches := map[string]int{
		"Deploy.DownloadBatch": c.Deploy.DownloadBatch,
		"Deploy.TransferBatch": c.Deploy.TransferBatch,
		"Deploy.InstallBatch":  c.Deploy.InstallBatch,
	}
	for k, n := range batches {
		if n < 1 {
			return errors.Errorf("%s must be at least 1, got %d", k, n)
		}
	}
	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		return errors.Errorf("SSH.Port %d is out of range", c.SSH.Port)
	}
	if c.Inventory == "" {
		return errors.New("Inventory is not set")
	}
	return nil
}

// RequireArtifact fails when the artifact service address is missing; only
// deploy needs it.
func (c *Config) RequireArtifact() error {
	if c.Artifact.Address == "" {
		return errors.New("Artifact.Address is not set (config file or " + EnvPrefix + "_ARTIFACT_ADDRESS)")
	}
	return nil
}
