// discovery_test.go
package esteps

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
)

func TestFilterCandidateURLs(t *testing.T) {
	tests := []struct {
		name     string
		urls     []string
		expected []string
	}{
		{
			name:     "normalises and keeps order",
			urls:     []string{"http://OctoPi.local/", "https://printer.example.com/octoprint/"},
			expected: []string{"http://octopi.local", "https://printer.example.com/octoprint"},
		},
		{
			name:     "bare hosts get http",
			urls:     []string{"192.168.1.20:5000", "octopi.local"},
			expected: []string{"http://192.168.1.20:5000", "http://octopi.local"},
		},
		{
			name:     "duplicates dropped",
			urls:     []string{"http://octopi.local", "http://octopi.local/", "octopi.local"},
			expected: []string{"http://octopi.local"},
		},
		{
			name:     "other schemes and junk dropped",
			urls:     []string{"ftp://octopi.local", "", "   ", "http://"},
			expected: []string{},
		},
		{
			name:     "Empty list",
			urls:     []string{},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := filterCandidateURLs(tt.urls)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestExtractHostSuffix(t *testing.T) {
	assert.Equal(t, "octopi-local", extractHostSuffix("http://octopi.local"))
	assert.Equal(t, "192-168-1-20-5000", extractHostSuffix("http://192.168.1.20:5000"))
	assert.Equal(t, "--1-5000", extractHostSuffix("http://[::1]:5000"))
	assert.Equal(t, "octoprint", extractHostSuffix("not a url"))
}

func TestFindHistoryDB(t *testing.T) {
	logger := logging.NewTestLogger(t)

	t.Run("nothing found", func(t *testing.T) {
		assert.Equal(t, "", findHistoryDB(t.TempDir(), t.TempDir(), "octopi-local", logger))
	})

	t.Run("host-specific file wins", func(t *testing.T) {
		dataDir := t.TempDir()
		touch(t, filepath.Join(dataDir, "calibration.db"))
		touch(t, filepath.Join(dataDir, "octopi-local_calibration.db"))
		assert.Equal(t, "octopi-local_calibration.db", findHistoryDB(dataDir, "", "octopi-local", logger))
	})

	t.Run("shared file", func(t *testing.T) {
		dataDir := t.TempDir()
		touch(t, filepath.Join(dataDir, "calibration.db"))
		assert.Equal(t, "calibration.db", findHistoryDB(dataDir, "", "octopi-local", logger))
	})

	t.Run("plugin data folder", func(t *testing.T) {
		home := t.TempDir()
		pluginDB := filepath.Join(home, ".octoprint", "data", "calibration", "calibration.db")
		require.NoError(t, os.MkdirAll(filepath.Dir(pluginDB), 0o755))
		touch(t, pluginDB)
		assert.Equal(t, pluginDB, findHistoryDB(t.TempDir(), home, "octopi-local", logger))
	})
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

func TestDiscoverResources(t *testing.T) {
	t.Setenv("VIAM_MODULE_DATA", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	srv := httptest.NewServer((&fakeOctoPrint{}).handler())
	defer srv.Close()

	dis := &estepsDiscovery{
		logger: logging.NewTestLogger(t),
		cfg:    &EStepsDiscoveryConfig{APIKey: "secret"},
	}
	// default candidates are not reachable from tests; only the fake server answers
	configs, err := dis.DiscoverResources(context.Background(), map[string]any{"candidates": []any{srv.URL}})
	require.NoError(t, err)

	var found bool
	for _, cfg := range configs {
		if cfg.Attributes["base_url"] != srv.URL {
			continue
		}
		found = true
		assert.Equal(t, sensor.API, cfg.API)
		assert.Equal(t, EStepsWizardModel, cfg.Model)
		assert.Equal(t, "esteps-wizard-"+extractHostSuffix(srv.URL), cfg.Name)
		assert.Equal(t, "secret", cfg.Attributes["api_key"])
		assert.NotContains(t, cfg.Attributes, "history_db")
	}
	assert.True(t, found, "fake server not discovered")
}

func TestDiscoverServers(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("VIAM_MODULE_DATA", dataDir)
	t.Setenv("HOME", t.TempDir())

	srv := httptest.NewServer((&fakeOctoPrint{}).handler())
	defer srv.Close()
	touch(t, filepath.Join(dataDir, extractHostSuffix(srv.URL)+"_calibration.db"))

	servers, err := DiscoverServers(context.Background(), []string{srv.URL + "/", srv.URL}, "secret", logging.NewTestLogger(t))
	require.NoError(t, err)
	require.NotEmpty(t, servers)

	found := servers[0]
	assert.Equal(t, srv.URL, found.BaseURL)
	assert.Equal(t, "1.10.2", found.Version)
	assert.Equal(t, extractHostSuffix(srv.URL)+"_calibration.db", found.HistoryDB)

	cfg := found.WizardConfig("secret")
	_, _, err = cfg.Validate("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dataDir, found.HistoryDB), cfg.HistoryDBPath())
}

func TestDiscoverResourcesCancelled(t *testing.T) {
	dis := &estepsDiscovery{
		logger: logging.NewTestLogger(t),
		cfg:    &EStepsDiscoveryConfig{},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	configs, err := dis.DiscoverResources(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, configs)
}
