package esteps

import (
	"math"

	"github.com/pkg/errors"
)

// Action names accepted by Wizard.Dispatch
const (
	ActionNewCalibration    = "new_calibration"
	ActionShowHistory       = "show_history"
	ActionStartCalibration  = "start_calibration"
	ActionStartExtruding    = "start_extruding"
	ActionSubmitMeasurement = "submit_measurement"
	ActionSaveNewESteps     = "save_new_esteps"
	ActionAcknowledge       = "acknowledge"
	ActionDismiss           = "dismiss"
	ActionCancel            = "cancel"
	ActionBack              = "back"
	ActionHistoryNext       = "history_next"
	ActionHistoryPrevious   = "history_previous"
	ActionHistoryPage       = "history_page"
	ActionHistorySelect     = "history_select"
)

// Action is a user command consumed by the wizard
type Action interface {
	ActionName() string
}

// Signal is an action without arguments, e.g. Signal(ActionCancel)
type Signal string

func (s Signal) ActionName() string { return string(s) }

// StartCalibrationAction submits the new calibration form. Zero values fall
// back to the form fields of the NewCalibration step.
type StartCalibrationAction struct {
	FilamentName string
	FilamentType FilamentType
	HotendTemp   int
}

func (StartCalibrationAction) ActionName() string { return ActionStartCalibration }

// SubmitMeasurementAction reports the remaining length to the extruder mark
type SubmitMeasurementAction struct {
	LengthMM float64
}

func (SubmitMeasurementAction) ActionName() string { return ActionSubmitMeasurement }

// ShowHistoryAction opens the history view with already-fetched records
type ShowHistoryAction struct {
	Records []CalibrationRecord
}

func (ShowHistoryAction) ActionName() string { return ActionShowHistory }

// HistoryPageAction jumps to a zero-indexed history page
type HistoryPageAction struct {
	Page int
}

func (HistoryPageAction) ActionName() string { return ActionHistoryPage }

// HistorySelectAction toggles selection of a record on the current history page
type HistorySelectAction struct {
	Index int
}

func (HistorySelectAction) ActionName() string { return ActionHistorySelect }

// ParseAction turns a DoCommand map into an Action. The action name is read
// from "command"; arguments use snake_case keys.
func ParseAction(cmd map[string]any) (Action, error) {
	name, ok := cmd["command"].(string)
	if !ok {
		return nil, errors.New("command must be a string")
	}

	switch name {
	case ActionStartCalibration:
		a := StartCalibrationAction{}
		if v, ok := cmd["filament_name"]; ok {
			s, ok := v.(string)
			if !ok {
				return nil, errors.New("filament_name must be a string")
			}
			a.FilamentName = s
		}
		if v, ok := cmd["filament_type"]; ok {
			s, ok := v.(string)
			if !ok {
				return nil, errors.New("filament_type must be a string")
			}
			ft, err := ParseFilamentType(s)
			if err != nil {
				return nil, err
			}
			a.FilamentType = ft
		}
		if v, ok := cmd["hotend_temp"]; ok {
			n, err := numberArg(v, "hotend_temp")
			if err != nil {
				return nil, err
			}
			// range-checked before the int conversion, which is undefined for huge values
			if n < minHotendTemp || n > maxHotendTemp {
				return nil, errors.Wrapf(ErrInvalidInput, "hotend temperature must be between %d and %d, got %g",
					minHotendTemp, maxHotendTemp, n)
			}
			a.HotendTemp = int(n)
		}
		return a, nil

	case ActionSubmitMeasurement:
		v, ok := cmd["measurement"]
		if !ok {
			return nil, errors.New("measurement parameter required")
		}
		n, err := numberArg(v, "measurement")
		if err != nil {
			return nil, err
		}
		return SubmitMeasurementAction{LengthMM: n}, nil

	case ActionHistoryPage:
		n, err := numberArg(cmd["page"], "page")
		if err != nil {
			return nil, err
		}
		return HistoryPageAction{Page: int(n)}, nil

	case ActionHistorySelect:
		n, err := numberArg(cmd["index"], "index")
		if err != nil {
			return nil, err
		}
		return HistorySelectAction{Index: int(n)}, nil

	case ActionShowHistory:
		return ShowHistoryAction{}, nil

	case ActionNewCalibration, ActionStartExtruding, ActionSaveNewESteps,
		ActionAcknowledge, ActionDismiss, ActionCancel, ActionBack,
		ActionHistoryNext, ActionHistoryPrevious:
		return Signal(name), nil

	default:
		return nil, errors.Errorf("unknown command: %s", name)
	}
}

// numberArg accepts the numeric types a DoCommand map can carry. JSON numbers
// arrive as float64.
func numberArg(v any, name string) (float64, error) {
	switch n := v.(type) {
	case float64:
		return finiteArg(n, name)
	case float32:
		return finiteArg(float64(n), name)
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case nil:
		return 0, errors.Errorf("%s parameter required", name)
	default:
		return 0, errors.Errorf("%s must be a number", name)
	}
}

func finiteArg(n float64, name string) (float64, error) {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, errors.Wrapf(ErrInvalidInput, "%s must be a finite number", name)
	}
	return n, nil
}
