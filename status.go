package esteps

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ToolStatus is the e-steps tool state reported by the remote controller
type ToolStatus int

const (
	StatusUnknown ToolStatus = iota
	StatusIdle
	StatusWaitingForParamAck
	StatusWaitingForTemperature
	StatusWaitingForExtrudeStart
	StatusWaitingForExtrudeFinish
	StatusWaitingForMeasurementInput
	StatusWaitingForUserConfirm
)

func (s ToolStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusWaitingForParamAck:
		return "waiting_for_param_ack"
	case StatusWaitingForTemperature:
		return "waiting_for_temperature"
	case StatusWaitingForExtrudeStart:
		return "waiting_for_extrude_start"
	case StatusWaitingForExtrudeFinish:
		return "waiting_for_extrude_finish"
	case StatusWaitingForMeasurementInput:
		return "waiting_for_measurement_input"
	case StatusWaitingForUserConfirm:
		return "waiting_for_user_confirm"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the seven wire states
func (s ToolStatus) Valid() bool {
	return s >= StatusIdle && s <= StatusWaitingForUserConfirm
}

// ToolState is one status snapshot fetched from the remote controller.
// Optional numbers are nil when the controller did not report them.
type ToolState struct {
	Status         ToolStatus
	NewEStepsValid bool
	OldESteps      *float64
	NewESteps      *float64
	CurrentTemp    *float64
}

type statusPayload struct {
	State       json.RawMessage `json:"eStepsToolState"`
	NewValid    json.RawMessage `json:"newEstepsValid"`
	OldESteps   json.RawMessage `json:"oldEsteps"`
	NewESteps   json.RawMessage `json:"newEsteps"`
	CurrentTemp json.RawMessage `json:"currTemp"`
}

// DecodeToolState parses a status response body. Any missing or malformed
// required field is reported as a protocol fault so the wizard fails closed.
func DecodeToolState(body []byte) (ToolState, error) {
	var payload statusPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return ToolState{}, protocolFault(errors.Wrap(err, "malformed status payload"))
	}

	raw, ok, err := parseNumber(payload.State)
	if err != nil {
		return ToolState{}, protocolFault(errors.Wrap(err, "eStepsToolState"))
	}
	if !ok {
		return ToolState{}, protocolFault(errors.New("status payload is missing eStepsToolState"))
	}
	status := ToolStatus(int(raw))
	if float64(status) != raw || !status.Valid() {
		return ToolState{}, protocolFault(errors.Errorf("eStepsToolState %v is outside 1-7", raw))
	}

	valid, ok, err := parseBool(payload.NewValid)
	if err != nil {
		return ToolState{}, protocolFault(errors.Wrap(err, "newEstepsValid"))
	}
	if !ok {
		return ToolState{}, protocolFault(errors.New("status payload is missing newEstepsValid"))
	}

	state := ToolState{Status: status, NewEStepsValid: valid}
	for _, f := range []struct {
		name string
		raw  json.RawMessage
		dst  **float64
	}{
		{"oldEsteps", payload.OldESteps, &state.OldESteps},
		{"newEsteps", payload.NewESteps, &state.NewESteps},
		{"currTemp", payload.CurrentTemp, &state.CurrentTemp},
	} {
		v, ok, err := parseNumber(f.raw)
		if err != nil {
			return ToolState{}, protocolFault(errors.Wrap(err, f.name))
		}
		if ok {
			*f.dst = &v
		}
	}
	return state, nil
}

// parseNumber accepts a JSON number or a numeric string (the plugin formats
// its values with "%.2f"). Absent and null values report ok=false.
func parseNumber(raw json.RawMessage) (float64, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, false, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, errors.Errorf("not a number: %q", s)
		}
		return v, true, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false, errors.Errorf("not a number: %s", raw)
	}
	return v, true, nil
}

// parseBool accepts JSON booleans and the Python-style "True"/"False" strings.
func parseBool(raw json.RawMessage) (bool, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false, false, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return false, false, err
		}
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true":
			return true, true, nil
		case "false":
			return false, true, nil
		}
		return false, false, errors.Errorf("not a boolean: %q", s)
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, false, errors.Errorf("not a boolean: %s", raw)
	}
	return v, true, nil
}
