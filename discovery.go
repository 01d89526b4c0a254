// discovery.go
package esteps

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
)

var EStepsDiscoveryModel = resource.NewModel("devrel", "esteps", "discovery")

// Hosts probed when the config names none
var defaultCandidateURLs = []string{
	"http://localhost:5000",
	"http://octopi.local",
}

const probeTimeout = 2 * time.Second

func init() {
	resource.RegisterService(
		discovery.API,
		EStepsDiscoveryModel,
		resource.Registration[discovery.Service, *EStepsDiscoveryConfig]{
			Constructor: newEStepsDiscovery,
		})
}

// EStepsDiscoveryConfig is the configuration for the discovery service
type EStepsDiscoveryConfig struct {
	// Candidates are OctoPrint base URLs probed in addition to the defaults
	Candidates []string `json:"candidates,omitempty"`
	APIKey     string   `json:"api_key,omitempty"`
}

// Validate ensures the config is valid
func (cfg *EStepsDiscoveryConfig) Validate(path string) ([]string, []string, error) {
	return nil, nil, nil
}

// estepsDiscovery implements the discovery service
type estepsDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger logging.Logger
	cfg    *EStepsDiscoveryConfig
}

func newEStepsDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*EStepsDiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}

	return &estepsDiscovery{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
		cfg:    cfg,
	}, nil
}

// DiscoverResources probes candidate OctoPrint servers and returns a wizard
// sensor configuration for each one that answers
func (dis *estepsDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting OctoPrint discovery")

	urls := append([]string{}, dis.cfg.Candidates...)
	if extraURLs, ok := extra["candidates"].([]any); ok {
		for _, u := range extraURLs {
			if s, ok := u.(string); ok {
				urls = append(urls, s)
			}
		}
	}

	servers, err := DiscoverServers(ctx, urls, dis.cfg.APIKey, dis.logger)
	var allConfigs []resource.Config
	for _, srv := range servers {
		allConfigs = append(allConfigs, dis.generateConfig(srv.BaseURL, srv.Suffix, srv.HistoryDB))
	}
	if err != nil {
		return allConfigs, err
	}

	if len(allConfigs) == 0 {
		dis.logger.Info("No OctoPrint servers discovered")
	} else {
		dis.logger.Infof("Discovered %d component configurations", len(allConfigs))
	}

	return allConfigs, nil
}

// DiscoveredServer is an OctoPrint server that answered a probe
type DiscoveredServer struct {
	BaseURL string
	Version string
	// Suffix names resources for this server, see extractHostSuffix
	Suffix string
	// HistoryDB is the calibration database found for this server, if any
	HistoryDB string
}

// WizardConfig returns an unvalidated wizard configuration for the server
func (s DiscoveredServer) WizardConfig(apiKey string) *WizardConfig {
	return &WizardConfig{BaseURL: s.BaseURL, APIKey: apiKey, HistoryDB: s.HistoryDB}
}

// DiscoverServers probes urls followed by the default candidates, in order.
// On cancellation it returns what was found so far with ctx.Err().
func DiscoverServers(ctx context.Context, urls []string, apiKey string, logger logging.Logger) ([]DiscoveredServer, error) {
	all := append(append([]string{}, urls...), defaultCandidateURLs...)
	candidates := filterCandidateURLs(all)
	logger.Debugf("Probing %d candidate servers", len(candidates))

	var servers []DiscoveredServer
	for _, baseURL := range candidates {
		select {
		case <-ctx.Done():
			logger.Info("Discovery cancelled")
			return servers, ctx.Err()
		default:
		}

		if srv, ok := probeServer(ctx, baseURL, apiKey, logger); ok {
			servers = append(servers, srv)
		}
	}
	return servers, nil
}

// probeServer checks a single server and looks for its calibration database
func probeServer(ctx context.Context, baseURL, apiKey string, logger logging.Logger) (DiscoveredServer, bool) {
	logger.Debugf("Checking %s", baseURL)

	client, err := NewOctoPrintClient(baseURL, apiKey, "", probeTimeout, logger)
	if err != nil {
		logger.Debugf("Skipping %s: %v", baseURL, err)
		return DiscoveredServer{}, false
	}
	version, err := client.ServerVersion(ctx)
	if err != nil {
		logger.Debugf("No OctoPrint server at %s: %v", baseURL, err)
		return DiscoveredServer{}, false
	}
	logger.Infof("Discovered OctoPrint %s at %s", version, baseURL)

	suffix := extractHostSuffix(baseURL)
	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp"
	}
	home, _ := os.UserHomeDir()

	return DiscoveredServer{
		BaseURL:   baseURL,
		Version:   version,
		Suffix:    suffix,
		HistoryDB: findHistoryDB(moduleDataDir, home, suffix, logger),
	}, true
}

func (dis *estepsDiscovery) generateConfig(baseURL, suffix, historyDB string) resource.Config {
	attrs := map[string]interface{}{
		"base_url": baseURL,
	}
	if dis.cfg.APIKey != "" {
		attrs["api_key"] = dis.cfg.APIKey
	}
	if historyDB != "" {
		attrs["history_db"] = historyDB
	}

	return resource.Config{
		Name:       "esteps-wizard-" + suffix,
		API:        sensor.API,
		Model:      EStepsWizardModel,
		Attributes: attrs,
	}
}

// filterCandidateURLs normalises http(s) URLs and drops duplicates and
// anything else, keeping the first occurrence order
func filterCandidateURLs(urls []string) []string {
	candidates := []string{}
	seen := map[string]bool{}
	for _, raw := range urls {
		u, ok := normalizeBaseURL(raw)
		if !ok || seen[u] {
			continue
		}
		seen[u] = true
		candidates = append(candidates, u)
	}
	return candidates
}

func normalizeBaseURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), true
}

// extractHostSuffix derives a resource-name friendly suffix from a base URL
// http://octopi.local -> "octopi-local"
// http://192.168.1.20:5000 -> "192-168-1-20-5000"
func extractHostSuffix(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return "octoprint"
	}
	return strings.NewReplacer(".", "-", ":", "-", "[", "", "]", "").Replace(u.Host)
}

// findHistoryDB searches for the calibration plugin's database. Tries a
// host-specific copy in moduleDataDir first, then a shared copy, then the
// plugin's own data folder under home. Files in moduleDataDir are returned
// by name so they resolve against VIAM_MODULE_DATA.
func findHistoryDB(moduleDataDir, home, suffix string, logger logging.Logger) string {
	hostSpecific := filepath.Join(moduleDataDir, suffix+"_calibration.db")
	if _, err := os.Stat(hostSpecific); err == nil {
		logger.Debugf("Found host-specific history database: %s", filepath.Base(hostSpecific))
		return filepath.Base(hostSpecific)
	}

	shared := filepath.Join(moduleDataDir, "calibration.db")
	if _, err := os.Stat(shared); err == nil {
		logger.Debugf("Found history database: calibration.db")
		return "calibration.db"
	}

	if home != "" {
		pluginDB := filepath.Join(home, ".octoprint", "data", "calibration", "calibration.db")
		if _, err := os.Stat(pluginDB); err == nil {
			logger.Debugf("Found plugin history database: %s", pluginDB)
			return pluginDB
		}
	}

	logger.Debug("No history database found")
	return ""
}
