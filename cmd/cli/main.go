package main

import (
	"fmt"
	"os"

	"esteps"

	"github.com/spf13/cobra"
	"go.viam.com/rdk/logging"
)

type globalFlags struct {
	configPath string
	baseURL    string
	apiKey     string
	debug      bool
}

func main() {
	var flags globalFlags

	root := &cobra.Command{
		Use:           "esteps",
		Short:         "Calibrate extruder e-steps through OctoPrint",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "esteps.yaml", "Path to the YAML config file")
	root.PersistentFlags().StringVar(&flags.baseURL, "base-url", "", "OctoPrint URL, overrides the config file")
	root.PersistentFlags().StringVar(&flags.apiKey, "api-key", "", "OctoPrint API key, overrides the config file")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Enable debug logging")

	root.AddCommand(calibrateCmd(&flags))
	root.AddCommand(historyCmd(&flags))
	root.AddCommand(statusCmd(&flags))
	root.AddCommand(discoverCmd(&flags))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorMsg("%v", err))
		os.Exit(1)
	}
}

func (f *globalFlags) logger() logging.Logger {
	if f.debug {
		return logging.NewDebugLogger("esteps-cli")
	}
	return logging.NewLogger("esteps-cli")
}

// loadConfig reads the config file; flags override it and may stand in for
// it entirely
func (f *globalFlags) loadConfig() (*esteps.WizardConfig, error) {
	cfg := &esteps.WizardConfig{}
	if _, err := os.Stat(f.configPath); err == nil {
		loaded, err := esteps.LoadConfigFile(f.configPath)
		if err != nil && f.baseURL == "" {
			return nil, err
		}
		if err == nil {
			cfg = loaded
		}
	}
	if f.baseURL != "" {
		cfg.BaseURL = f.baseURL
	}
	if f.apiKey != "" {
		cfg.APIKey = f.apiKey
	}
	if _, _, err := cfg.Validate(f.configPath); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *globalFlags) client(cfg *esteps.WizardConfig, logger logging.Logger) (*esteps.OctoPrintClient, error) {
	return esteps.NewOctoPrintClient(cfg.BaseURL, cfg.APIKey, cfg.PluginID, cfg.RequestTimeout(), logger)
}
