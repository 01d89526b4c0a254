package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"esteps"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// recheckInterval bounds how long wait trusts the event stream alone; events
// are dropped when nobody reads them
const recheckInterval = time.Second

type calibrateFlags struct {
	filament     string
	filamentType string
	hotendTemp   int
	measurement  float64
	yes          bool
}

func calibrateCmd(flags *globalFlags) *cobra.Command {
	var cf calibrateFlags

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Run the e-steps calibration wizard",
		Long: "Heats the hotend, extrudes 100 mm of filament and computes new e-steps from\n" +
			"the remaining length between the extruder and a mark made 120 mm above it.",
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

			w, err := esteps.NewWizard(client, logger, cfg.Options())
			if err != nil {
				return err
			}
			defer w.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			r := newRunner(w, cf)
			defer r.close()
			return r.run(ctx)
		},
	}
	cmd.Flags().StringVar(&cf.filament, "filament", "", "Filament name")
	cmd.Flags().StringVar(&cf.filamentType, "type", "", "Filament type (PLA, PETG, ABS, NYLON, PC)")
	cmd.Flags().IntVar(&cf.hotendTemp, "temp", 0, "Hotend temperature in °C")
	cmd.Flags().Float64Var(&cf.measurement, "measurement", -1, "Remaining length to the mark in mm")
	cmd.Flags().BoolVar(&cf.yes, "yes", false, "Save the new e-steps without asking")
	return cmd
}

// runner answers each wizard step from flags or by prompting in the terminal
type runner struct {
	wizard      *esteps.Wizard
	events      <-chan esteps.Event
	unsubscribe func()
	flags       calibrateFlags

	prompt  func(label, def, hint string) (string, error)
	confirm func(question, hint string) (bool, error)
}

func newRunner(w *esteps.Wizard, flags calibrateFlags) *runner {
	events := make(chan esteps.Event, 64)
	unsubscribe := w.Subscribe(func(ev esteps.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	return &runner{
		wizard:      w,
		events:      events,
		unsubscribe: unsubscribe,
		flags:       flags,
		prompt:      prompt,
		confirm:     confirm,
	}
}

func (r *runner) close() {
	r.unsubscribe()
}

func (r *runner) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			r.wizard.GoToStartPage()
			return err
		}

		snap := r.wizard.CurrentStep()
		var err error
		switch snap.ID {
		case esteps.StepStartPage:
			err = r.wizard.Dispatch(ctx, esteps.Signal(esteps.ActionNewCalibration))

		case esteps.StepNewCalibration:
			// the first status check runs after Dispatch returns, so the step
			// only changes once the printer answered
			if err = r.newCalibration(ctx, snap); err == nil {
				err = r.wait(ctx, snap.ID)
			}

		case esteps.StepWaitingForTemp, esteps.StepWaitingForExtrudeFinish:
			err = r.wait(ctx, snap.ID)

		case esteps.StepStartExtruding:
			fmt.Println(title("Hotend is at temperature"))
			fmt.Println("Mark the filament 120 mm above the extruder entry.")
			if _, err = r.prompt("Press enter to extrude 100 mm", "", "the extrusion needs a person at the printer"); err == nil {
				err = r.wizard.Dispatch(ctx, esteps.Signal(esteps.ActionStartExtruding))
			}
			if err == nil {
				err = r.wait(ctx, snap.ID)
			}

		case esteps.StepResultEntry:
			var done bool
			done, err = r.result(ctx, snap)
			if done {
				return err
			}

		case esteps.StepFinished:
			fmt.Println(successMsg("New e-steps saved: %v", snap.Fields["new_esteps"]))
			return r.wizard.Dispatch(ctx, esteps.Signal(esteps.ActionAcknowledge))

		case esteps.StepErrorPage:
			msg, _ := snap.Fields["message"].(string)
			_ = r.wizard.Dispatch(ctx, esteps.Signal(esteps.ActionDismiss))
			return errors.New(msg)

		default:
			return errors.Errorf("step %s is not handled here", snap.Name)
		}

		if errors.Is(err, errCancelled) {
			fmt.Println(infoMsg("Calibration cancelled"))
			r.wizard.GoToStartPage()
			return nil
		}
		if errors.Is(err, esteps.ErrInvalidInput) {
			fmt.Println(warnMsg("%v", err))
			continue
		}
		if err != nil {
			return err
		}
	}
}

func (r *runner) newCalibration(ctx context.Context, snap esteps.Snapshot) error {
	fmt.Println(title("New e-steps calibration"))

	var (
		a   esteps.StartCalibrationAction
		err error
	)
	a.FilamentName = r.flags.filament
	if a.FilamentName == "" {
		def, _ := snap.Fields["filament_name"].(string)
		if a.FilamentName, err = r.prompt("Filament name", def, "use --filament <name>"); err != nil {
			return err
		}
	}

	typeName := r.flags.filamentType
	if typeName == "" {
		def, _ := snap.Fields["filament_type"].(string)
		if typeName, err = r.prompt("Filament type", def, "use --type <type>"); err != nil {
			return err
		}
	}
	a.FilamentType = esteps.FilamentType(strings.ToUpper(typeName))

	a.HotendTemp = r.flags.hotendTemp
	if a.HotendTemp == 0 {
		def := fmt.Sprint(snap.Fields["hotend_temp"])
		s, err := r.prompt("Hotend temperature °C", def, "use --temp <celsius>")
		if err != nil {
			return err
		}
		if a.HotendTemp, err = strconv.Atoi(s); err != nil {
			return errors.Wrapf(esteps.ErrInvalidInput, "%q is not a temperature", s)
		}
	}

	// flags are only used once so that invalid values are asked for again
	r.flags.filament, r.flags.filamentType, r.flags.hotendTemp = "", "", 0
	return r.wizard.Dispatch(ctx, a)
}

// result submits the measurement and asks whether to save. It reports done
// once the wizard is left on the start page.
func (r *runner) result(ctx context.Context, snap esteps.Snapshot) (bool, error) {
	newESteps, ok := snap.Fields["new_esteps"].(float64)
	if !ok {
		length := r.flags.measurement
		r.flags.measurement = -1
		if length < 0 {
			def := fmt.Sprint(snap.Fields["measured_length"])
			s, err := r.prompt("Remaining length to the mark in mm", def, "use --measurement <mm>")
			if err != nil {
				return false, err
			}
			if length, err = strconv.ParseFloat(s, 64); err != nil {
				return false, errors.Wrapf(esteps.ErrInvalidInput, "%q is not a length", s)
			}
		}
		if err := r.wizard.Dispatch(ctx, esteps.SubmitMeasurementAction{LengthMM: length}); err != nil {
			return false, err
		}
		if _, ok := r.wizard.CurrentStep().Fields["new_esteps"]; !ok {
			fmt.Println(warnMsg("The printer has no result yet, submit the measurement again"))
		}
		return false, nil
	}

	oldESteps, _ := snap.Fields["old_esteps"].(float64)
	fmt.Print(keyValues("  ",
		kv("current", fmt.Sprintf("%.2f steps/mm", oldESteps)),
		kv("new", bold(fmt.Sprintf("%.2f steps/mm", newESteps))),
	))

	save := r.flags.yes
	if !save {
		var err error
		if save, err = r.confirm("Save new e-steps?", "use --yes to save"); err != nil {
			return false, err
		}
	}
	if save {
		return false, r.wizard.Dispatch(ctx, esteps.Signal(esteps.ActionSaveNewESteps))
	}

	fmt.Println(infoMsg("Calibration discarded"))
	return true, r.wizard.Dispatch(ctx, esteps.Signal(esteps.ActionCancel))
}

// wait blocks until the wizard leaves step from, printing each status check
func (r *runner) wait(ctx context.Context, from esteps.StepID) error {
	recheck := time.NewTicker(recheckInterval)
	defer recheck.Stop()

	for r.wizard.CurrentStep().ID == from {
		select {
		case <-ctx.Done():
			r.wizard.GoToStartPage()
			return ctx.Err()
		case <-recheck.C:
		case ev := <-r.events:
			if ev.Kind != esteps.EventPoll {
				continue
			}
			line := fmt.Sprintf("waiting, printer is %s (check %d)", ev.Status, ev.Attempt)
			if t, ok := r.wizard.CurrentStep().Fields["current_temp"].(float64); ok {
				line += fmt.Sprintf(", hotend %.1f °C", t)
			}
			fmt.Println(muted(line))
		}
	}
	return nil
}
