package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func statusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the calibration tool state reported by the printer",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := flags.logger()
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			client, err := flags.client(cfg, logger)
			if err != nil {
				return err
			}

			state, err := client.FetchStatus(cmd.Context())
			if err != nil {
				return err
			}

			pairs := []pair{
				kv("server", client.BaseURL()),
				kv("tool status", bold(state.Status.String())),
			}
			if state.CurrentTemp != nil {
				pairs = append(pairs, kv("hotend", fmt.Sprintf("%.1f °C", *state.CurrentTemp)))
			}
			if state.NewEStepsValid && state.OldESteps != nil && state.NewESteps != nil {
				pairs = append(pairs, kv("e-steps", fmt.Sprintf("%.2f -> %.2f", *state.OldESteps, *state.NewESteps)))
			} else {
				pairs = append(pairs, kv("e-steps", muted("no result")))
			}
			fmt.Print(keyValues("", pairs...))
			return nil
		},
	}
}
