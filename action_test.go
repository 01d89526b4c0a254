package esteps

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		name     string
		cmd      map[string]any
		expected Action
	}{
		{
			name:     "signal",
			cmd:      map[string]any{"command": "start_extruding"},
			expected: Signal(ActionStartExtruding),
		},
		{
			name: "start calibration with form",
			cmd: map[string]any{
				"command":       "start_calibration",
				"filament_name": "Galaxy Black",
				"filament_type": "pla",
				"hotend_temp":   float64(215),
			},
			expected: StartCalibrationAction{FilamentName: "Galaxy Black", FilamentType: FilamentPLA, HotendTemp: 215},
		},
		{
			name:     "start calibration from stored form",
			cmd:      map[string]any{"command": "start_calibration"},
			expected: StartCalibrationAction{},
		},
		{
			name:     "measurement",
			cmd:      map[string]any{"command": "submit_measurement", "measurement": 18.5},
			expected: SubmitMeasurementAction{LengthMM: 18.5},
		},
		{
			name:     "integer measurement",
			cmd:      map[string]any{"command": "submit_measurement", "measurement": 20},
			expected: SubmitMeasurementAction{LengthMM: 20},
		},
		{
			name:     "history page",
			cmd:      map[string]any{"command": "history_page", "page": float64(2)},
			expected: HistoryPageAction{Page: 2},
		},
		{
			name:     "history select",
			cmd:      map[string]any{"command": "history_select", "index": int64(1)},
			expected: HistorySelectAction{Index: 1},
		},
		{
			name:     "show history",
			cmd:      map[string]any{"command": "show_history"},
			expected: ShowHistoryAction{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseAction(tt.cmd)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, a)
			assert.Equal(t, tt.cmd["command"], a.ActionName())
		})
	}
}

func TestParseActionErrors(t *testing.T) {
	tests := []struct {
		name string
		cmd  map[string]any
	}{
		{"no command", map[string]any{}},
		{"command not a string", map[string]any{"command": 3}},
		{"unknown command", map[string]any{"command": "self_destruct"}},
		{"filament name not a string", map[string]any{"command": "start_calibration", "filament_name": 1}},
		{"unknown filament", map[string]any{"command": "start_calibration", "filament_type": "wood"}},
		{"temperature not a number", map[string]any{"command": "start_calibration", "hotend_temp": "hot"}},
		{"missing measurement", map[string]any{"command": "submit_measurement"}},
		{"measurement not a number", map[string]any{"command": "submit_measurement", "measurement": "20"}},
		{"missing page", map[string]any{"command": "history_page"}},
		{"missing index", map[string]any{"command": "history_select"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAction(tt.cmd)
			assert.Error(t, err)
		})
	}
}

func TestParseActionRejectsNonFiniteNumbers(t *testing.T) {
	tests := []struct {
		name string
		cmd  map[string]any
	}{
		{"NaN measurement", map[string]any{"command": "submit_measurement", "measurement": math.NaN()}},
		{"infinite measurement", map[string]any{"command": "submit_measurement", "measurement": math.Inf(-1)}},
		{"NaN temperature", map[string]any{"command": "start_calibration", "hotend_temp": math.NaN()}},
		{"huge temperature", map[string]any{"command": "start_calibration", "hotend_temp": 1e300}},
		{"temperature too cold", map[string]any{"command": "start_calibration", "hotend_temp": float64(20)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAction(tt.cmd)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestParseFilamentType(t *testing.T) {
	for _, s := range []string{"PLA", "pla", " Petg ", "nylon", "pc"} {
		_, err := ParseFilamentType(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseFilamentType("TPU")
	assert.Error(t, err)
}

func TestCommandPayloads(t *testing.T) {
	assert.Equal(t, map[string]any{
		"command":      "calibrateESteps",
		"filamentName": "Galaxy Black",
		"filamentType": map[string]any{"name": "ABS"},
		"hotendTemp":   245,
	}, StartCalibration{FilamentName: "Galaxy Black", FilamentType: FilamentABS, HotendTemp: 245}.Payload())

	assert.Equal(t, map[string]any{"command": "startExtruding"}, StartExtrude{}.Payload())
	assert.Equal(t, map[string]any{"command": "eStepsMeasured", "measurement": 19.5}, SubmitMeasurement{LengthMM: 19.5}.Payload())
	assert.Equal(t, map[string]any{"command": "saveNewESteps"}, SaveNewESteps{}.Payload())
}
