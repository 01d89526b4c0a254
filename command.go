package esteps

import (
	"strings"

	"github.com/pkg/errors"
)

// Command wire tags understood by the calibration plugin
const (
	tagCalibrateESteps = "calibrateESteps"
	tagStartExtruding  = "startExtruding"
	tagEStepsMeasured  = "eStepsMeasured"
	tagSaveNewESteps   = "saveNewESteps"
)

// FilamentType is the material being calibrated
type FilamentType string

const (
	FilamentPLA   FilamentType = "PLA"
	FilamentPETG  FilamentType = "PETG"
	FilamentABS   FilamentType = "ABS"
	FilamentNylon FilamentType = "Nylon"
	FilamentPC    FilamentType = "PC"
)

// FilamentTypes lists the materials offered by the new calibration step, in display order
var FilamentTypes = []FilamentType{FilamentPLA, FilamentPETG, FilamentABS, FilamentNylon, FilamentPC}

// ParseFilamentType matches s case-insensitively against FilamentTypes
func ParseFilamentType(s string) (FilamentType, error) {
	s = strings.TrimSpace(s)
	for _, t := range FilamentTypes {
		if strings.EqualFold(string(t), s) {
			return t, nil
		}
	}
	return "", errors.Errorf("unknown filament type %q", s)
}

// Command is a request sent to the remote controller
type Command interface {
	// Tag is the value of the "command" field in the request envelope
	Tag() string
	// Payload returns the full request envelope, tag included
	Payload() map[string]any
}

// StartCalibration asks the controller to heat up and read the current e-steps
type StartCalibration struct {
	FilamentName string
	FilamentType FilamentType
	HotendTemp   int
}

func (StartCalibration) Tag() string { return tagCalibrateESteps }

func (c StartCalibration) Payload() map[string]any {
	return map[string]any{
		"command":      tagCalibrateESteps,
		"filamentName": c.FilamentName,
		// the plugin indexes filamentType["name"]
		"filamentType": map[string]any{"name": string(c.FilamentType)},
		"hotendTemp":   c.HotendTemp,
	}
}

// StartExtrude asks the controller to extrude the calibration length
type StartExtrude struct{}

func (StartExtrude) Tag() string { return tagStartExtruding }

func (StartExtrude) Payload() map[string]any {
	return map[string]any{"command": tagStartExtruding}
}

// SubmitMeasurement reports the filament length left before the extruder mark
type SubmitMeasurement struct {
	LengthMM float64
}

func (SubmitMeasurement) Tag() string { return tagEStepsMeasured }

func (c SubmitMeasurement) Payload() map[string]any {
	return map[string]any{
		"command":     tagEStepsMeasured,
		"measurement": c.LengthMM,
	}
}

// SaveNewESteps asks the controller to persist the computed e-steps value
type SaveNewESteps struct{}

func (SaveNewESteps) Tag() string { return tagSaveNewESteps }

func (SaveNewESteps) Payload() map[string]any {
	return map[string]any{"command": tagSaveNewESteps}
}
