package esteps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

const (
	defaultPluginID       = "calibration"
	defaultRequestTimeout = 10 * time.Second
	maxResponseBytes      = 1 << 20
	apiKeyHeader          = "X-Api-Key"
)

// OctoPrintClient talks to the calibration plugin of an OctoPrint server. It
// implements Channel and HistorySource.
type OctoPrintClient struct {
	baseURL  *url.URL
	apiKey   string
	pluginID string
	client   *http.Client
	logger   logging.Logger
}

// NewOctoPrintClient validates baseURL; empty pluginID and zero timeout take defaults
func NewOctoPrintClient(baseURL, apiKey, pluginID string, timeout time.Duration, logger logging.Logger) (*OctoPrintClient, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, errors.Wrap(err, "invalid OctoPrint URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("OctoPrint URL must be http or https, got %q", baseURL)
	}
	if u.Host == "" {
		return nil, errors.Errorf("OctoPrint URL %q has no host", baseURL)
	}
	if pluginID == "" {
		pluginID = defaultPluginID
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &OctoPrintClient{
		baseURL:  u,
		apiKey:   apiKey,
		pluginID: pluginID,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}, nil
}

// BaseURL returns the server URL the client was built with
func (c *OctoPrintClient) BaseURL() string {
	return c.baseURL.String()
}

func (c *OctoPrintClient) apiURL() string {
	return c.baseURL.JoinPath("api", "plugin", c.pluginID).String()
}

// Send posts cmd to the plugin's SimpleApi endpoint
func (c *OctoPrintClient) Send(ctx context.Context, cmd Command) (Response, error) {
	body, err := json.Marshal(cmd.Payload())
	if err != nil {
		return Response{}, commandFault(fmt.Sprintf("cannot encode %s", cmd.Tag()), err)
	}

	c.logger.Debugf("POST %s %s", c.apiURL(), body)
	status, respBody, err := c.do(ctx, http.MethodPost, c.apiURL(), body)
	if err != nil {
		return Response{}, commandFault(fmt.Sprintf("%s failed: %v", cmd.Tag(), err), err)
	}
	if status < 200 || status > 299 {
		return Response{}, commandFault(failureText(status, respBody), errors.Errorf("%s returned HTTP %d", cmd.Tag(), status))
	}
	return Response{StatusCode: status, Body: respBody}, nil
}

// FetchStatus reads the plugin's e-steps tool state
func (c *OctoPrintClient) FetchStatus(ctx context.Context) (ToolState, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.apiURL(), nil)
	if err != nil {
		return ToolState{}, queryFault(fmt.Sprintf("status request failed: %v", err), err)
	}
	if status < 200 || status > 299 {
		return ToolState{}, queryFault(failureText(status, body), errors.Errorf("status returned HTTP %d", status))
	}
	c.logger.Debugf("GET %s -> %s", c.apiURL(), body)
	return DecodeToolState(body)
}

// LoadHistory fetches all stored calibrations from the plugin blueprint
func (c *OctoPrintClient) LoadHistory(ctx context.Context) ([]CalibrationRecord, error) {
	u := c.baseURL.JoinPath("plugin", c.pluginID, "eStepCalibrations").String()
	status, body, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, queryFault(fmt.Sprintf("history request failed: %v", err), err)
	}
	if status < 200 || status > 299 {
		return nil, queryFault(failureText(status, body), errors.Errorf("history returned HTTP %d", status))
	}
	records, err := DecodeHistory(body)
	if err != nil {
		return nil, protocolFault(err)
	}
	return records, nil
}

// ServerVersion returns the "server" field of /api/version
func (c *OctoPrintClient) ServerVersion(ctx context.Context) (string, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.baseURL.JoinPath("api", "version").String(), nil)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", errors.Errorf("version returned HTTP %d", status)
	}
	var v struct {
		Server string `json:"server"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return "", errors.Wrap(err, "malformed version payload")
	}
	if v.Server == "" {
		return "", errors.New("version payload has no server field")
	}
	return v.Server, nil
}

func (c *OctoPrintClient) do(ctx context.Context, method, u string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, errors.Wrap(err, "failed to read response")
	}
	return resp.StatusCode, data, nil
}

// failureText is the plugin's reason text, or the HTTP status when it sent none
func failureText(status int, body []byte) string {
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return fmt.Sprintf("HTTP %d %s", status, http.StatusText(status))
}
