package main

import (
	"fmt"
	"strconv"

	"esteps"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func discoverCmd(flags *globalFlags) *cobra.Command {
	var (
		candidates []string
		write      bool
		pick       int
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find OctoPrint servers and optionally write the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := flags.logger()
			if flags.baseURL != "" {
				candidates = append([]string{flags.baseURL}, candidates...)
			}

			servers, err := esteps.DiscoverServers(cmd.Context(), candidates, flags.apiKey, logger)
			if err != nil {
				return err
			}
			if len(servers) == 0 {
				fmt.Println(warnMsg("No OctoPrint server answered"))
				return nil
			}

			highlight := -1
			if write {
				highlight = pick
			}
			fmt.Println(renderTable([]string{"#", "Server", "Version", "History database"}, discoveredRows(servers), highlight))

			if !write {
				return nil
			}
			path, err := writeDiscoveredConfig(flags.configPath, servers, pick, flags.apiKey)
			if err != nil {
				return err
			}
			fmt.Println(successMsg("Wrote %s for %s", path, servers[pick].BaseURL))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&candidates, "candidate", nil, "Extra OctoPrint URL to probe, may be repeated")
	cmd.Flags().BoolVar(&write, "write", false, "Write the picked server to the config file")
	cmd.Flags().IntVar(&pick, "pick", 0, "Index of the server to write")
	return cmd
}

// writeDiscoveredConfig validates the picked server's configuration and saves it to path
func writeDiscoveredConfig(path string, servers []esteps.DiscoveredServer, pick int, apiKey string) (string, error) {
	if pick < 0 || pick >= len(servers) {
		return "", errors.Errorf("--pick must be between 0 and %d", len(servers)-1)
	}
	cfg := servers[pick].WizardConfig(apiKey)
	if _, _, err := cfg.Validate(path); err != nil {
		return "", err
	}
	if err := esteps.SaveConfigFile(path, cfg); err != nil {
		return "", err
	}
	return path, nil
}

func discoveredRows(servers []esteps.DiscoveredServer) [][]string {
	rows := make([][]string, 0, len(servers))
	for i, s := range servers {
		db := s.HistoryDB
		if db == "" {
			db = "-"
		}
		rows = append(rows, []string{strconv.Itoa(i), s.BaseURL, s.Version, db})
	}
	return rows
}
