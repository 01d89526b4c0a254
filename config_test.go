package esteps

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

func TestValidateDefaults(t *testing.T) {
	cfg := &WizardConfig{BaseURL: "http://octopi.local/"}
	_, _, err := cfg.Validate("")
	require.NoError(t, err)

	assert.Equal(t, "http://octopi.local", cfg.BaseURL)
	assert.Equal(t, "calibration", cfg.PluginID)
	assert.Equal(t, 3000, cfg.PollIntervalMs)
	assert.Equal(t, 200, cfg.MaxPollAttempts)
	assert.Equal(t, 10000, cfg.RequestTimeoutMs)
	assert.Equal(t, 210, cfg.HotendTemp)
	assert.Equal(t, 5, cfg.HistoryPageSize)

	opts := cfg.Options()
	assert.Equal(t, 3*time.Second, opts.PollInterval)
	assert.Equal(t, time.Duration(0), opts.PollTimeout)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout())
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  WizardConfig
	}{
		{"missing base_url", WizardConfig{}},
		{"not a url", WizardConfig{BaseURL: "octopi"}},
		{"wrong scheme", WizardConfig{BaseURL: "ws://octopi.local"}},
		{"negative poll interval", WizardConfig{BaseURL: "http://octopi.local", PollIntervalMs: -1}},
		{"hotend too hot", WizardConfig{BaseURL: "http://octopi.local", HotendTemp: 320}},
		{"page size too big", WizardConfig{BaseURL: "http://octopi.local", HistoryPageSize: 500}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.cfg.Validate("")
			assert.Error(t, err)
		})
	}
}

func TestHistoryDBPath(t *testing.T) {
	t.Setenv("VIAM_MODULE_DATA", "/var/lib/viam/module-data")

	assert.Equal(t, "", (&WizardConfig{}).HistoryDBPath())
	assert.Equal(t, "/srv/calibration.db", (&WizardConfig{HistoryDB: "/srv/calibration.db"}).HistoryDBPath())
	assert.Equal(t, "/var/lib/viam/module-data/calibration.db", (&WizardConfig{HistoryDB: "calibration.db"}).HistoryDBPath())

	t.Setenv("VIAM_MODULE_DATA", "")
	assert.Equal(t, "/tmp/calibration.db", (&WizardConfig{HistoryDB: "calibration.db"}).HistoryDBPath())
}

func TestLoadHistorySource(t *testing.T) {
	logger := logging.NewTestLogger(t)
	fallback := newFakeHistory()

	t.Run("returns fromFile=true when database exists", func(t *testing.T) {
		cfg := &WizardConfig{HistoryDB: writeHistoryDB(t, nil)}

		source, fromFile := cfg.LoadHistorySource(fallback, logger)
		require.True(t, fromFile)
		db, ok := source.(*HistoryDB)
		require.True(t, ok)
		db.Close()
	})

	t.Run("returns fromFile=false when no database configured", func(t *testing.T) {
		source, fromFile := (&WizardConfig{}).LoadHistorySource(fallback, logger)
		assert.False(t, fromFile)
		assert.Same(t, fallback, source)
	})

	t.Run("returns fromFile=false when database doesn't exist", func(t *testing.T) {
		cfg := &WizardConfig{HistoryDB: "/nonexistent/path/calibration.db"}

		source, fromFile := cfg.LoadHistorySource(fallback, logger)
		assert.False(t, fromFile)
		assert.Same(t, fallback, source)
	})
}

func TestConfigFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "esteps.yaml")
	cfg := &WizardConfig{BaseURL: "http://octopi.local", APIKey: "secret", HotendTemp: 235}
	_, _, err := cfg.Validate(path)
	require.NoError(t, err)

	require.NoError(t, SaveConfigFile(path, cfg))
	loaded, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "esteps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
base_url: http://192.168.1.20:5000
api_key: ABCDEF
poll_interval_ms: 500
history_db: calibration.db
`), 0o600))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.20:5000", cfg.BaseURL)
	assert.Equal(t, "ABCDEF", cfg.APIKey)
	assert.Equal(t, 500*time.Millisecond, cfg.Options().PollInterval)
	assert.Equal(t, "calibration.db", cfg.HistoryDB)
	assert.Equal(t, 210, cfg.HotendTemp)

	require.NoError(t, os.WriteFile(path, []byte("api_key: [unterminated"), 0o600))
	_, err = LoadConfigFile(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("api_key: x\n"), 0o600))
	_, err = LoadConfigFile(path)
	assert.ErrorContains(t, err, "base_url")

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
