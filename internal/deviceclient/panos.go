package deviceclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const requestTimeout = 10 * time.Second

// PanOSFactory builds XML-API clients for PAN-OS style appliances. A single
// factory is shared by all runners; per-device state lives in the client.
type PanOSFactory struct {
	httpClient *http.Client
	monitor    MonitorConfig
	logger     *zap.Logger
}

// MonitorConfig points at the external monitoring system used for the
// mute/unmute stages.
type MonitorConfig struct {
	BaseURL  string
	APIToken string
}

func NewPanOSFactory(monitor MonitorConfig, insecureSkipVerify bool, logger *zap.Logger) *PanOSFactory {
	return &PanOSFactory{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				// Appliance management interfaces ship self-signed certs.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: insecureSkipVerify},
			},
		},
		monitor: monitor,
		logger:  logger,
	}
}

func (f *PanOSFactory) Client(ipAddress, apiKey string) Client {
	return &panOSClient{
		baseURL:    fmt.Sprintf("https://%s", ipAddress),
		ipAddress:  ipAddress,
		apiKey:     apiKey,
		httpClient: f.httpClient,
		monitor:    f.monitor,
		logger:     f.logger.With(zap.String("device", ipAddress)),
	}
}

type panOSClient struct {
	baseURL    string
	ipAddress  string
	apiKey     string
	httpClient *http.Client
	monitor    MonitorConfig
	logger     *zap.Logger
}

type apiResponse struct {
	Status string `xml:"status,attr"`
	Result struct {
		System struct {
			SWVersion string `xml:"sw-version"`
		} `xml:"system"`
		SWUpdates struct {
			Versions []struct {
				Version    string `xml:"version"`
				Downloaded string `xml:"downloaded"`
				Installed  string `xml:"installed"`
				Current    string `xml:"current"`
			} `xml:"versions>entry"`
		} `xml:"sw-updates"`
	} `xml:"result"`
	Message string `xml:"msg>line"`
}

func (c *panOSClient) op(ctx context.Context, cmd string) (*apiResponse, error) {
	q := url.Values{}
	q.Set("type", "op")
	q.Set("cmd", cmd)
	q.Set("key", c.apiKey)

	return c.call(ctx, q)
}

func (c *panOSClient) call(ctx context.Context, q url.Values) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read device response: %w", err)
	}

	var parsed apiResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("invalid XML from device: %w", err)
	}

	if parsed.Status != "success" {
		if parsed.Message != "" {
			return &parsed, fmt.Errorf("device returned %q: %s", parsed.Status, parsed.Message)
		}
		return &parsed, fmt.Errorf("device returned status %q", parsed.Status)
	}

	return &parsed, nil
}

func (c *panOSClient) CheckSoftwareInventory(ctx context.Context) (*SoftwareInventory, error) {
	resp, err := c.op(ctx, "<request><system><software><info></info></software></system></request>")
	if err != nil {
		return nil, err
	}

	inv := &SoftwareInventory{}
	for _, v := range resp.Result.SWUpdates.Versions {
		inv.Images = append(inv.Images, SoftwareImage{
			Version:    v.Version,
			Downloaded: v.Downloaded == "yes",
			Installed:  v.Installed == "yes",
			Current:    v.Current == "yes",
		})
	}
	return inv, nil
}

func (c *panOSClient) DownloadVersion(ctx context.Context, version string) error {
	cmd := fmt.Sprintf("<request><system><software><download><version>%s</version></download></software></system></request>", version)
	_, err := c.op(ctx, cmd)
	return err
}

func (c *panOSClient) InstallVersion(ctx context.Context, version string) error {
	cmd := fmt.Sprintf("<request><system><software><install><version>%s</version></install></software></system></request>", version)
	_, err := c.op(ctx, cmd)
	return err
}

func (c *panOSClient) Reboot(ctx context.Context) error {
	_, err := c.op(ctx, "<request><restart><system></system></restart></request>")
	return err
}

func (c *panOSClient) CleanupOldImages(ctx context.Context, keepVersion string) error {
	inv, err := c.CheckSoftwareInventory(ctx)
	if err != nil {
		return err
	}

	for _, img := range inv.Images {
		// A pre-staged copy of the target must survive cleanup or the
		// download stage repeats work it already has.
		if img.Current || !img.Downloaded || img.Version == keepVersion {
			continue
		}
		cmd := fmt.Sprintf("<delete><software><version>%s</version></software></delete>", img.Version)
		if _, err := c.op(ctx, cmd); err != nil {
			return fmt.Errorf("failed to delete image %s: %w", img.Version, err)
		}
		c.logger.Info("Deleted old software image", zap.String("version", img.Version))
	}
	return nil
}

func (c *panOSClient) export(ctx context.Context, category string) ([]byte, error) {
	q := url.Values{}
	q.Set("type", "export")
	q.Set("category", category)
	q.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("export request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("export %s returned HTTP %d", category, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

func (c *panOSClient) ExportConfiguration(ctx context.Context) ([]byte, error) {
	return c.export(ctx, "configuration")
}

func (c *panOSClient) ExportDeviceState(ctx context.Context) ([]byte, error) {
	return c.export(ctx, "device-state")
}

func (c *panOSClient) CurrentSoftwareVersion(ctx context.Context) (string, error) {
	resp, err := c.op(ctx, "<show><system><info></info></system></show>")
	if err != nil {
		return "", err
	}

	if resp.Result.System.SWVersion == "" {
		return "", fmt.Errorf("device response missing sw-version")
	}
	return resp.Result.System.SWVersion, nil
}

func (c *panOSClient) setMonitoringMuted(ctx context.Context, muted bool) error {
	action := "unmute"
	if muted {
		action = "mute"
	}

	endpoint := fmt.Sprintf("%s/api/v1/devices/%s/%s", c.monitor.BaseURL, c.ipAddress, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(nil))
	if err != nil {
		return fmt.Errorf("failed to build monitor request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.monitor.APIToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("monitor request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("monitor %s returned HTTP %d", action, resp.StatusCode)
	}
	return nil
}

func (c *panOSClient) MuteMonitoring(ctx context.Context) error {
	return c.setMonitoringMuted(ctx, true)
}

func (c *panOSClient) UnmuteMonitoring(ctx context.Context) error {
	return c.setMonitoringMuted(ctx, false)
}
