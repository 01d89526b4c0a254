package esteps

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// The calibration plugin keeps a single tool state per server, so every
// wizard talking to the same server shares one client. Two wizards with
// different credentials for one server are rejected.

type sharedClient struct {
	client   *OctoPrintClient
	apiKey   string
	pluginID string
	timeout  time.Duration
	refCount int
}

var (
	clientsMu sync.Mutex
	clients   = map[string]*sharedClient{}
)

// GetSharedClient returns the client for cfg.BaseURL, creating it on first use
func GetSharedClient(cfg *WizardConfig, logger logging.Logger) (*OctoPrintClient, error) {
	clientsMu.Lock()
	defer clientsMu.Unlock()

	if sc, ok := clients[cfg.BaseURL]; ok {
		if sc.apiKey != cfg.APIKey || sc.pluginID != cfg.PluginID || sc.timeout != cfg.RequestTimeout() {
			return nil, errors.Errorf("conflict: existing client for %s uses different settings (refCount: %d)",
				cfg.BaseURL, sc.refCount)
		}
		sc.refCount++
		return sc.client, nil
	}

	client, err := NewOctoPrintClient(cfg.BaseURL, cfg.APIKey, cfg.PluginID, cfg.RequestTimeout(), logger)
	if err != nil {
		return nil, err
	}
	clients[cfg.BaseURL] = &sharedClient{
		client:   client,
		apiKey:   cfg.APIKey,
		pluginID: cfg.PluginID,
		timeout:  cfg.RequestTimeout(),
		refCount: 1,
	}
	return client, nil
}

// ReleaseSharedClient drops one reference to the client for baseURL
func ReleaseSharedClient(baseURL string) {
	clientsMu.Lock()
	defer clientsMu.Unlock()

	sc, ok := clients[baseURL]
	if !ok {
		return
	}
	sc.refCount--
	if sc.refCount <= 0 {
		sc.client.client.CloseIdleConnections()
		delete(clients, baseURL)
	}
}

// SharedClientStatus reports the reference count for baseURL
func SharedClientStatus(baseURL string) (int, bool, string) {
	clientsMu.Lock()
	defer clientsMu.Unlock()

	sc, ok := clients[baseURL]
	if !ok {
		return 0, false, ""
	}
	return sc.refCount, true, fmt.Sprintf("OctoPrint: %s (plugin %s)", baseURL, sc.pluginID)
}
