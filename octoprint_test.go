package esteps

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

// fakeOctoPrint serves the calibration plugin endpoints
type fakeOctoPrint struct {
	mu       sync.Mutex
	commands []map[string]any
	apiKeys  []string

	commandStatus int
	commandBody   string
	statusBody    string
	historyBody   string
}

func (f *fakeOctoPrint) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/plugin/calibration", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.apiKeys = append(f.apiKeys, r.Header.Get("X-Api-Key"))

		switch r.Method {
		case http.MethodPost:
			var cmd map[string]any
			body, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(body, &cmd); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
			f.commands = append(f.commands, cmd)
			if f.commandStatus != 0 {
				w.WriteHeader(f.commandStatus)
				_, _ = io.WriteString(w, f.commandBody)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, f.statusBody)
		}
	})
	mux.HandleFunc("/plugin/calibration/eStepCalibrations", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_, _ = io.WriteString(w, f.historyBody)
	})
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"api": "0.1", "server": "1.10.2", "text": "OctoPrint 1.10.2"}`)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeOctoPrint) *OctoPrintClient {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	client, err := NewOctoPrintClient(srv.URL, "secret", "", time.Second, logging.NewTestLogger(t))
	require.NoError(t, err)
	return client
}

func TestNewOctoPrintClient(t *testing.T) {
	logger := logging.NewTestLogger(t)

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"http", "http://octopi.local", false},
		{"https with path", "https://printer.example.com/octoprint/", false},
		{"no scheme", "octopi.local", true},
		{"ftp", "ftp://octopi.local", true},
		{"no host", "http://", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOctoPrintClient(tt.url, "", "", 0, logger)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOctoPrintSend(t *testing.T) {
	f := &fakeOctoPrint{}
	client := newTestClient(t, f)

	resp, err := client.Send(context.Background(), StartCalibration{FilamentName: "Galaxy Black", FilamentType: FilamentPLA, HotendTemp: 215})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = client.Send(context.Background(), SubmitMeasurement{LengthMM: 18.5})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.commands, 2)
	assert.Equal(t, map[string]any{
		"command":      "calibrateESteps",
		"filamentName": "Galaxy Black",
		"filamentType": map[string]any{"name": "PLA"},
		"hotendTemp":   float64(215),
	}, f.commands[0])
	assert.Equal(t, map[string]any{"command": "eStepsMeasured", "measurement": 18.5}, f.commands[1])
	assert.Equal(t, []string{"secret", "secret"}, f.apiKeys)
}

func TestOctoPrintSendRejected(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"plugin reason", http.StatusConflict, "Printer is not operational\n", "Printer is not operational"},
		{"empty body", http.StatusInternalServerError, "", "HTTP 500 Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeOctoPrint{commandStatus: tt.status, commandBody: tt.body}
			client := newTestClient(t, f)

			_, err := client.Send(context.Background(), StartExtrude{})
			require.Error(t, err)

			var fault *Fault
			require.True(t, errors.As(err, &fault))
			assert.Equal(t, FaultCommand, fault.Kind)
			assert.Equal(t, tt.message, fault.Message)
		})
	}
}

func TestOctoPrintUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := NewOctoPrintClient(url, "", "", 200*time.Millisecond, logging.NewTestLogger(t))
	require.NoError(t, err)

	var fault *Fault
	_, err = client.Send(context.Background(), SaveNewESteps{})
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, FaultCommand, fault.Kind)

	_, err = client.FetchStatus(context.Background())
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, FaultQuery, fault.Kind)
}

func TestOctoPrintFetchStatus(t *testing.T) {
	f := &fakeOctoPrint{statusBody: `{"eStepsToolState": "7", "newEstepsValid": "True", "oldEsteps": "93.00", "newEsteps": "94.90", "currTemp": "215.10"}`}
	client := newTestClient(t, f)

	state, err := client.FetchStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingForUserConfirm, state.Status)
	assert.True(t, state.NewEStepsValid)
	require.NotNil(t, state.NewESteps)
	assert.Equal(t, 94.9, *state.NewESteps)
	assert.Equal(t, 215.1, *state.CurrentTemp)
}

func TestOctoPrintFetchStatusMismatch(t *testing.T) {
	f := &fakeOctoPrint{statusBody: `{"eStepsToolState": 12}`}
	client := newTestClient(t, f)

	_, err := client.FetchStatus(context.Background())
	var fault *Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, FaultProtocol, fault.Kind)
}

func TestOctoPrintLoadHistory(t *testing.T) {
	f := &fakeOctoPrint{historyBody: `[{"databaseId": 4, "creationDate": "2024-03-01T10:15:00Z", "filamentName": "eSun",
		"filamentType": {"name": "PETG"}, "hotendTemp": 240, "oldEsteps": 93, "newESteps": 95}]`}
	client := newTestClient(t, f)

	records, err := client.LoadHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(4), records[0].ID)
	assert.Equal(t, FilamentPETG, records[0].FilamentType)

	f.mu.Lock()
	f.historyBody = `{"oops": true}`
	f.mu.Unlock()
	_, err = client.LoadHistory(context.Background())
	var fault *Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, FaultProtocol, fault.Kind)
}

func TestOctoPrintServerVersion(t *testing.T) {
	client := newTestClient(t, &fakeOctoPrint{})

	version, err := client.ServerVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.10.2", version)
}

// TestWizardOverHTTP drives the wizard against the HTTP client end to end
func TestWizardOverHTTP(t *testing.T) {
	f := &fakeOctoPrint{statusBody: `{"eStepsToolState": 4, "newEstepsValid": false, "currTemp": 214.9}`}
	client := newTestClient(t, f)
	w, _ := newTestWizard(t, client, testOptions())

	require.NoError(t, w.Dispatch(context.Background(), Signal(ActionNewCalibration)))
	require.NoError(t, w.Dispatch(context.Background(), startForm()))
	assert.Eventually(t, stepIs(w, StepStartExtruding), waitFor, tick)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.commands, 1)
	assert.Equal(t, "calibrateESteps", f.commands[0]["command"])
}
