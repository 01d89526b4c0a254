// calibration.go - E-steps calibration wizard sensor component
package esteps

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var (
	EStepsWizardModel = resource.NewModel("devrel", "esteps", "wizard")
)

func init() {
	resource.RegisterComponent(sensor.API, EStepsWizardModel,
		resource.Registration[sensor.Sensor, *WizardConfig]{
			Constructor: NewEStepsWizardSensor,
		},
	)
}

// Commands handled by the sensor itself rather than by the current step
const (
	commandGoToStart   = "go_to_start"
	commandReportError = "report_error"
	commandSetStep     = "set_step"
	commandStatus      = "status"
	commandSteps       = "steps"
)

// wizardSensor exposes the calibration wizard as a sensor: Readings render
// the current step and DoCommand drives it
type wizardSensor struct {
	resource.AlwaysRebuild

	name    resource.Name
	logger  logging.Logger
	cfg     *WizardConfig
	channel Channel
	history HistorySource
	wizard  *Wizard

	// set when the resources below are owned by this sensor
	sharedURL string
	historyDB *HistoryDB

	mu          sync.Mutex
	lastError   string
	lastErrorAt time.Time
	lastPoll    *Event
	unsubscribe func()
}

// NewEStepsWizardSensor creates a wizard bound to the configured OctoPrint server
func NewEStepsWizardSensor(
	ctx context.Context,
	deps resource.Dependencies,
	rawConf resource.Config,
	logger logging.Logger,
) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*WizardConfig](rawConf)
	if err != nil {
		return nil, err
	}

	client, err := GetSharedClient(conf, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get shared OctoPrint client")
	}

	history, fromFile := conf.LoadHistorySource(client, logger)

	ws, err := newWizardSensor(rawConf.ResourceName(), conf, client, history, logger)
	if err != nil {
		ReleaseSharedClient(conf.BaseURL)
		if fromFile {
			history.(*HistoryDB).Close()
		}
		return nil, err
	}
	ws.sharedURL = conf.BaseURL
	if fromFile {
		ws.historyDB = history.(*HistoryDB)
	}

	logger.Infof("E-steps wizard initialized for %s", conf.BaseURL)
	return ws, nil
}

func newWizardSensor(
	name resource.Name,
	conf *WizardConfig,
	channel Channel,
	history HistorySource,
	logger logging.Logger,
) (*wizardSensor, error) {
	wizard, err := NewWizard(channel, logger, conf.Options())
	if err != nil {
		return nil, err
	}

	ws := &wizardSensor{
		name:    name,
		logger:  logger,
		cfg:     conf,
		channel: channel,
		history: history,
		wizard:  wizard,
	}
	ws.unsubscribe = wizard.Subscribe(ws.observe)
	return ws, nil
}

// Name returns the sensor's name
func (ws *wizardSensor) Name() resource.Name {
	return ws.name
}

func (ws *wizardSensor) observe(ev Event) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	switch ev.Kind {
	case EventError:
		ws.lastError = ev.Message
		ws.lastErrorAt = time.Now()
	case EventPoll:
		e := ev
		ws.lastPoll = &e
	case EventTransition:
		ws.lastPoll = nil
	}
}

// Readings returns the step being shown, its fields and the commands it accepts
func (ws *wizardSensor) Readings(ctx context.Context, extra map[string]any) (map[string]any, error) {
	snap := ws.wizard.CurrentStep()
	readings := stepReadings(snap)

	ws.mu.Lock()
	defer ws.mu.Unlock()

	if snap.ID == StepErrorPage {
		readings["error"] = snap.Fields[fieldMessage]
	}
	if ws.lastError != "" {
		readings["last_error"] = ws.lastError
		readings["last_error_at"] = ws.lastErrorAt.Format(time.RFC3339)
	}
	if ws.lastPoll != nil {
		readings["poll_attempt"] = ws.lastPoll.Attempt
		readings["tool_status"] = ws.lastPoll.Status.String()
	}
	return readings, nil
}

func stepReadings(snap Snapshot) map[string]any {
	commands := make([]any, 0, len(snap.Actions))
	for _, a := range snap.Actions {
		commands = append(commands, a)
	}
	return map[string]any{
		"step":               snap.Name,
		"step_id":            int(snap.ID),
		"view":               snap.View,
		"fields":             readingValue(snap.Fields),
		"available_commands": commands,
	}
}

// DoCommand dispatches a wizard action, or one of the sensor-level commands
func (ws *wizardSensor) DoCommand(ctx context.Context, cmd map[string]any) (map[string]any, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, errors.New("command must be a string")
	}

	switch command {
	case commandGoToStart:
		ws.wizard.GoToStartPage()
		return ws.result(), nil

	case commandReportError:
		msg, ok := cmd["message"].(string)
		if !ok || msg == "" {
			return nil, errors.New("message parameter required")
		}
		ws.wizard.ReportError(msg)
		return ws.result(), nil

	case commandSetStep:
		id, err := numberArg(cmd["step_id"], "step_id")
		if err != nil {
			return nil, err
		}
		if err := ws.wizard.SetCurrentStep(StepID(id)); err != nil {
			return nil, err
		}
		return ws.result(), nil

	case commandStatus:
		return ws.remoteStatus(ctx)

	case commandSteps:
		return ws.steps(), nil

	case ActionShowHistory:
		return ws.showHistory(ctx)
	}

	action, err := ParseAction(cmd)
	if err != nil {
		return nil, err
	}
	if err := ws.wizard.Dispatch(ctx, action); err != nil {
		return map[string]any{"success": false}, err
	}
	return ws.result(), nil
}

func (ws *wizardSensor) result() map[string]any {
	snap := ws.wizard.CurrentStep()
	res := stepReadings(snap)
	res["success"] = true
	return res
}

func (ws *wizardSensor) showHistory(ctx context.Context) (map[string]any, error) {
	records, err := ws.history.LoadHistory(ctx)
	if err != nil {
		ws.logger.Warnf("Failed to load calibration history: %v", err)
		ws.wizard.ReportError(faultMessage(err))
		return ws.result(), nil
	}
	ws.logger.Debugf("Loaded %d calibration records", len(records))

	if err := ws.wizard.Dispatch(ctx, ShowHistoryAction{Records: records}); err != nil {
		return map[string]any{"success": false}, err
	}
	return ws.result(), nil
}

// remoteStatus reads the tool state without touching the wizard
func (ws *wizardSensor) remoteStatus(ctx context.Context) (map[string]any, error) {
	state, err := ws.channel.FetchStatus(ctx)
	if err != nil {
		return nil, err
	}
	res := map[string]any{
		"tool_status":      state.Status.String(),
		"new_esteps_valid": state.NewEStepsValid,
	}
	if state.OldESteps != nil {
		res["old_esteps"] = *state.OldESteps
	}
	if state.NewESteps != nil {
		res["new_esteps"] = *state.NewESteps
	}
	if state.CurrentTemp != nil {
		res["current_temp"] = *state.CurrentTemp
	}
	return res, nil
}

func (ws *wizardSensor) steps() map[string]any {
	main, tool := ws.wizard.Registries()
	out := map[string]any{}
	for _, reg := range []*Registry{main, tool} {
		steps := []any{}
		for _, s := range reg.Steps() {
			steps = append(steps, map[string]any{
				"id":      int(s.ID),
				"name":    s.Name,
				"view":    s.View,
				"actions": stringsToAny(s.Actions()),
			})
		}
		out[reg.Name()] = steps
	}
	return out
}

// readingValue converts wizard field values into the plain types a sensor
// reading can carry
func readingValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = readingValue(t[k])
		}
		return out
	case []string:
		return stringsToAny(t)
	case []CalibrationRecord:
		out := make([]any, 0, len(t))
		for _, r := range t {
			out = append(out, recordReading(r))
		}
		return out
	case CalibrationRecord:
		return recordReading(t)
	case FilamentType:
		return string(t)
	case StepID:
		return int(t)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return v
	}
}

func recordReading(r CalibrationRecord) map[string]any {
	m := map[string]any{
		"id":            r.ID,
		"filament_name": r.FilamentName,
		"filament_type": string(r.FilamentType),
		"hotend_temp":   r.HotendTemp,
		"old_esteps":    r.OldESteps,
		"new_esteps":    r.NewESteps,
	}
	if !r.CreatedAt.IsZero() {
		m["creation_date"] = r.CreatedAt.Format(time.RFC3339)
	}
	return m
}

func stringsToAny(ss []string) []any {
	out := make([]any, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}

// Close stops pending waits and releases the server client
func (ws *wizardSensor) Close(ctx context.Context) error {
	ws.wizard.Close()
	if ws.unsubscribe != nil {
		ws.unsubscribe()
	}

	var err error
	if ws.historyDB != nil {
		err = ws.historyDB.Close()
	}
	if ws.sharedURL != "" {
		ReleaseSharedClient(ws.sharedURL)
	}
	return err
}
