package esteps

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Runtime field names
const (
	fieldMessage        = "message"
	fieldFilamentName   = "filament_name"
	fieldFilamentType   = "filament_type"
	fieldFilamentTypes  = "filament_types"
	fieldHotendTemp     = "hotend_temp"
	fieldToolStatus     = "tool_status"
	fieldCurrentTemp    = "current_temp"
	fieldMeasuredLength = "measured_length"
	fieldOldESteps      = "old_esteps"
	fieldNewESteps      = "new_esteps"
	fieldPage           = "page"
	fieldTotalPages     = "total_pages"
	fieldCount          = "count"
	fieldRecords        = "records"
	fieldSelected       = "selected"
)

const (
	minHotendTemp = 150
	maxHotendTemp = 300
	// the plugin extrudes 100 mm against a 120 mm mark
	markLengthMM = 120.0
)

func newRegistries(opts Options) (*Registry, *Registry, error) {
	main, err := NewRegistry("main",
		NewStep(StepStartPage, "StartPage", "calibPlugin_startPageTmpl",
			map[string]Behavior{
				ActionNewCalibration: func(_ context.Context, w *Wizard, epoch uint64, _ Action) error {
					w.advance(epoch, StepNewCalibration)
					return nil
				},
				ActionShowHistory: showHistory,
			}, nil),
		NewStep(StepErrorPage, "ErrorPage", "calibPlugin_errorPageTmpl",
			map[string]Behavior{
				ActionDismiss: backToStart,
			},
			map[string]any{fieldMessage: ""}),
	)
	if err != nil {
		return nil, nil, err
	}

	filamentTypes := make([]string, 0, len(FilamentTypes))
	for _, t := range FilamentTypes {
		filamentTypes = append(filamentTypes, string(t))
	}

	tool, err := NewRegistry("esteps",
		NewStep(StepNewCalibration, "NewEStepCalibration", "eSteps_newEStepCalibrationTmpl",
			map[string]Behavior{
				ActionStartCalibration: startCalibration,
				ActionCancel:           backToStart,
			},
			map[string]any{
				fieldFilamentName:  "",
				fieldFilamentType:  string(FilamentTypes[0]),
				fieldFilamentTypes: filamentTypes,
				fieldHotendTemp:    opts.HotendTemp,
			}),
		NewStep(StepWaitingForTemp, "WaitingForExtruderTemp", "eSteps_waitingForExtruderTemp",
			map[string]Behavior{
				ActionCancel: backToStart,
			}, nil),
		NewStep(StepStartExtruding, "StartExtruding", "eSteps_startExtrudingTmpl",
			map[string]Behavior{
				ActionStartExtruding: startExtruding,
				ActionCancel:         backToStart,
			}, nil),
		NewStep(StepWaitingForExtrudeFinish, "WaitingForExtrudeFinished", "eSteps_waitingForExtrudeFinishedTmpl",
			map[string]Behavior{
				ActionCancel: backToStart,
			}, nil),
		NewStep(StepResultEntry, "EStepsResult", "eSteps_resultCalcTmpl",
			map[string]Behavior{
				ActionSubmitMeasurement: submitMeasurement,
				ActionSaveNewESteps:     saveNewESteps,
				ActionCancel:            backToStart,
			},
			map[string]any{fieldMeasuredLength: opts.MeasuredLength}),
		NewStep(StepFinished, "EStepCalibrationFinished", "eSteps_calibrationFinishedTmpl",
			map[string]Behavior{
				ActionAcknowledge: backToStart,
			}, nil),
		NewStep(StepHistoryView, "EStepsHistory", "eSteps_historyTmpl",
			map[string]Behavior{
				ActionHistoryNext:     historyNext,
				ActionHistoryPrevious: historyPrevious,
				ActionHistoryPage:     historyPage,
				ActionHistorySelect:   historySelect,
				ActionBack:            backToStart,
			}, nil),
	)
	if err != nil {
		return nil, nil, err
	}
	return main, tool, nil
}

func backToStart(_ context.Context, w *Wizard, epoch uint64, _ Action) error {
	w.goToStart(epoch)
	return nil
}

func startCalibration(ctx context.Context, w *Wizard, epoch uint64, a Action) error {
	req, _ := a.(StartCalibrationAction)

	form := w.fields(StepNewCalibration)
	if req.FilamentName == "" {
		req.FilamentName, _ = form[fieldFilamentName].(string)
	}
	if req.FilamentType == "" {
		s, _ := form[fieldFilamentType].(string)
		req.FilamentType = FilamentType(s)
	}
	if req.HotendTemp == 0 {
		req.HotendTemp, _ = form[fieldHotendTemp].(int)
	}

	req.FilamentName = strings.TrimSpace(req.FilamentName)
	if req.FilamentName == "" {
		return errors.Wrap(ErrInvalidInput, "filament name is required")
	}
	ft, err := ParseFilamentType(string(req.FilamentType))
	if err != nil {
		return errors.Wrap(ErrInvalidInput, err.Error())
	}
	if req.HotendTemp < minHotendTemp || req.HotendTemp > maxHotendTemp {
		return errors.Wrapf(ErrInvalidInput, "hotend temperature must be between %d and %d, got %d",
			minHotendTemp, maxHotendTemp, req.HotendTemp)
	}

	w.setFields(epoch, StepNewCalibration, map[string]any{
		fieldFilamentName: req.FilamentName,
		fieldFilamentType: string(ft),
		fieldHotendTemp:   req.HotendTemp,
	})

	w.logger.Infof("Starting e-steps calibration for filament %q (%s) at %d°C", req.FilamentName, ft, req.HotendTemp)
	if !w.send(ctx, epoch, StartCalibration{FilamentName: req.FilamentName, FilamentType: ft, HotendTemp: req.HotendTemp}) {
		return nil
	}
	w.awaitStatus(epoch, StatusWaitingForExtrudeStart, StepWaitingForTemp, func(ToolState) StepID {
		return StepStartExtruding
	})
	return nil
}

func startExtruding(ctx context.Context, w *Wizard, epoch uint64, _ Action) error {
	if !w.send(ctx, epoch, StartExtrude{}) {
		return nil
	}
	w.awaitStatus(epoch, StatusWaitingForMeasurementInput, StepWaitingForExtrudeFinish, func(ToolState) StepID {
		return StepResultEntry
	})
	return nil
}

func submitMeasurement(ctx context.Context, w *Wizard, epoch uint64, a Action) error {
	req, ok := a.(SubmitMeasurementAction)
	if !ok {
		req.LengthMM, _ = w.fields(StepResultEntry)[fieldMeasuredLength].(float64)
	}
	if !(req.LengthMM >= 0 && req.LengthMM < markLengthMM) {
		return errors.Wrapf(ErrInvalidInput, "measurement must be between 0 and %.0f mm, got %.2f", markLengthMM, req.LengthMM)
	}
	w.setFields(epoch, StepResultEntry, map[string]any{fieldMeasuredLength: req.LengthMM})

	if !w.send(ctx, epoch, SubmitMeasurement{LengthMM: req.LengthMM}) {
		return nil
	}

	state, err := w.channel.FetchStatus(ctx)
	if err != nil {
		w.fail(epoch, err)
		return nil
	}
	if !state.NewEStepsValid {
		w.logger.Infof("Printer has no valid e-steps result yet (status %s)", state.Status)
		return nil
	}
	if state.OldESteps == nil || state.NewESteps == nil {
		w.fail(epoch, protocolFault(errors.New("newEstepsValid is set but oldEsteps/newEsteps are missing")))
		return nil
	}
	w.logger.Infof("E-steps should change from %.2f to %.2f", *state.OldESteps, *state.NewESteps)
	w.setFields(epoch, StepResultEntry, map[string]any{
		fieldOldESteps: *state.OldESteps,
		fieldNewESteps: *state.NewESteps,
	})
	return nil
}

func saveNewESteps(ctx context.Context, w *Wizard, epoch uint64, _ Action) error {
	result := w.fields(StepResultEntry)
	if !w.send(ctx, epoch, SaveNewESteps{}) {
		return nil
	}

	finished := map[string]any{}
	for _, k := range []string{fieldOldESteps, fieldNewESteps} {
		if v, ok := result[k]; ok {
			finished[k] = v
		}
	}
	w.setFields(epoch, StepFinished, finished)
	w.advance(epoch, StepFinished)
	return nil
}

func showHistory(_ context.Context, w *Wizard, epoch uint64, a Action) error {
	req, _ := a.(ShowHistoryAction)
	if _, err := w.updateHistory(epoch, func(h *HistoryView) error {
		h.Load(req.Records)
		return nil
	}); err != nil {
		return err
	}
	w.advance(epoch, StepHistoryView)
	return nil
}

func historyNext(_ context.Context, w *Wizard, epoch uint64, _ Action) error {
	_, err := w.updateHistory(epoch, func(h *HistoryView) error {
		h.Next()
		return nil
	})
	return err
}

func historyPrevious(_ context.Context, w *Wizard, epoch uint64, _ Action) error {
	_, err := w.updateHistory(epoch, func(h *HistoryView) error {
		h.Previous()
		return nil
	})
	return err
}

func historyPage(_ context.Context, w *Wizard, epoch uint64, a Action) error {
	req, ok := a.(HistoryPageAction)
	if !ok {
		return errors.Wrap(ErrInvalidInput, "history_page needs a page number")
	}
	_, err := w.updateHistory(epoch, func(h *HistoryView) error {
		h.SetPage(req.Page)
		return nil
	})
	return err
}

func historySelect(_ context.Context, w *Wizard, epoch uint64, a Action) error {
	req, ok := a.(HistorySelectAction)
	if !ok {
		return errors.Wrap(ErrInvalidInput, "history_select needs a record index")
	}
	_, err := w.updateHistory(epoch, func(h *HistoryView) error {
		page := h.Current()
		if req.Index < 0 || req.Index >= len(page) {
			return errors.Wrapf(ErrInvalidInput, "no record %d on page %d", req.Index, h.CurrentPage())
		}
		return h.Select(page[req.Index])
	})
	return err
}
