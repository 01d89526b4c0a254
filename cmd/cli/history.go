package main

import (
	"fmt"
	"strconv"

	"esteps"

	"github.com/spf13/cobra"
)

func historyCmd(flags *globalFlags) *cobra.Command {
	var (
		page     int
		all      bool
		selected int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List previous e-steps calibrations",
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

			source, fromFile := cfg.LoadHistorySource(client, logger)
			if fromFile {
				defer source.(*esteps.HistoryDB).Close()
			}

			records, err := source.LoadHistory(cmd.Context())
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println(infoMsg("No calibrations recorded yet"))
				return nil
			}

			pageSize := cfg.HistoryPageSize
			if all {
				pageSize = len(records)
			}
			view := esteps.NewHistoryView(pageSize)
			view.Load(records)
			view.SetPage(page)

			shown := view.Current()
			highlight := -1
			if selected >= 0 && selected < len(shown) {
				if err := view.Select(shown[selected]); err != nil {
					return err
				}
				highlight = selected
			}

			fmt.Println(renderTable(
				[]string{"#", "Date", "Filament", "Type", "Hotend °C", "Old e-steps", "New e-steps"},
				historyRows(shown),
				highlight,
			))
			fmt.Println(muted(fmt.Sprintf("page %d of %d, %d calibrations", view.CurrentPage()+1, view.TotalPages()+1, view.Count())))

			if rec, ok := view.Selected(); ok {
				fmt.Print(keyValues("  ",
					kv("filament", rec.FilamentName),
					kv("type", string(rec.FilamentType)),
					kv("change", fmt.Sprintf("%.2f -> %.2f steps/mm", rec.OldESteps, rec.NewESteps)),
				))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 0, "Zero-indexed page to show")
	cmd.Flags().BoolVar(&all, "all", false, "Show every record on one page")
	cmd.Flags().IntVar(&selected, "select", -1, "Show details of the record at this index on the page")
	return cmd
}

func historyRows(records []esteps.CalibrationRecord) [][]string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		date := ""
		if !r.CreatedAt.IsZero() {
			date = r.CreatedAt.Local().Format("2006-01-02 15:04")
		}
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10),
			date,
			r.FilamentName,
			string(r.FilamentType),
			strconv.FormatFloat(r.HotendTemp, 'f', 0, 64),
			strconv.FormatFloat(r.OldESteps, 'f', 2, 64),
			strconv.FormatFloat(r.NewESteps, 'f', 2, 64),
		})
	}
	return rows
}
