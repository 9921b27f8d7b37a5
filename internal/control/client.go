package control

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ampline/linewatch/internal/types"
)

// ErrLoginFailed is returned when the server rejects the credentials.
var ErrLoginFailed = errors.New("login failed")

// Client talks to the remote line control server. All requests carry the
// client timeout; a silent server is an error within a few seconds, not a
// hang.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a Client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		base: baseURL,
		http: &http.Client{Timeout: timeout},
	}
}

// Start issues the external start request for a device.
func (c *Client) Start(ctx context.Context, deviceID string) error {
	return c.postCmd(ctx, "/api/start", deviceID)
}

// Stop issues the external stop request for a device.
func (c *Client) Stop(ctx context.Context, deviceID string) error {
	return c.postCmd(ctx, "/api/stop", deviceID)
}

// Restart issues the external restart request for a device.
func (c *Client) Restart(ctx context.Context, deviceID string) error {
	return c.postCmd(ctx, "/api/restart", deviceID)
}

// Login authenticates an operator against the server.
func (c *Client) Login(ctx context.Context, id, pw string) error {
	resp, err := c.postJSON(ctx, "/api/login", map[string]string{"id": id, "pw": pw})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrLoginFailed
	}
	return nil
}

// serverLogItem is a measurement row as the server returns it.
type serverLogItem struct {
	MID         int    `json:"mid"`
	Timestamp   string `json:"timestamp"`
	ProductName string `json:"product_name"`
	Result      string `json:"result"`
}

// Logs queries the measurement history for one day (date "2006-01-02").
func (c *Client) Logs(ctx context.Context, date string) ([]types.LogEntry, error) {
	resp, err := c.postJSON(ctx, "/api/logs", map[string]string{"startDate": date})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("logs query: unexpected status %s", resp.Status)
	}

	var items []serverLogItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("logs query: decode: %w", err)
	}

	entries := make([]types.LogEntry, 0, len(items))
	for _, it := range items {
		entries = append(entries, types.LogEntry{
			ID:          it.MID,
			Timestamp:   it.Timestamp,
			ProductName: it.ProductName,
			Defect:      it.Result == "NG",
		})
	}
	return entries, nil
}

// LogImages fetches the stored image pair for one measurement. Either
// image may be nil when the camera had no frame at correlation time.
func (c *Client) LogImages(ctx context.Context, mid int) ([]byte, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/logs/%d/images", c.base, mid), nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("log images: unexpected status %s", resp.Status)
	}

	var payload struct {
		Img1 string `json:"img1_base64"`
		Img2 string `json:"img2_base64"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, nil, fmt.Errorf("log images: decode: %w", err)
	}

	var img1, img2 []byte
	if payload.Img1 != "" {
		if img1, err = base64.StdEncoding.DecodeString(payload.Img1); err != nil {
			return nil, nil, fmt.Errorf("log images: image 1: %w", err)
		}
	}
	if payload.Img2 != "" {
		if img2, err = base64.StdEncoding.DecodeString(payload.Img2); err != nil {
			return nil, nil, fmt.Errorf("log images: image 2: %w", err)
		}
	}
	return img1, img2, nil
}

// UploadMeasurement mirrors one measurement to the server.
func (c *Client) UploadMeasurement(ctx context.Context, m types.Measurement) error {
	result := "OK"
	if m.IsDefect {
		result = "NG"
	}
	payload := map[string]any{
		"pid":    m.ProductID,
		"result": result,
	}
	if m.Image1 != nil {
		payload["img1_base64"] = base64.StdEncoding.EncodeToString(m.Image1)
	}
	if m.Image2 != nil {
		payload["img2_base64"] = base64.StdEncoding.EncodeToString(m.Image2)
	}

	resp, err := c.postJSON(ctx, "/api/measurements", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("measurement upload: unexpected status %s", resp.Status)
	}
	return nil
}

// Stats is the aggregate statistics response.
type Stats struct {
	Daily  []DailyStat  `json:"daily_data"`
	Counts DefectCounts `json:"counts"`
}

// DailyStat is one day of totals.
type DailyStat struct {
	Date   string `json:"date"`
	Total  int    `json:"total"`
	Defect int    `json:"defect"`
}

// DefectCounts breaks defects down by category.
type DefectCounts struct {
	Shape   int `json:"shape"`
	Center  int `json:"center"`
	Rust    int `json:"rust"`
	TotalNG int `json:"total_ng"`
}

// Statistics queries aggregate statistics for a date range.
func (c *Client) Statistics(ctx context.Context, start, end time.Time) (*Stats, error) {
	resp, err := c.postJSON(ctx, "/api/statistics", map[string]string{
		"startDate": start.Format("2006-01-02"),
		"endDate":   end.Format("2006-01-02"),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("statistics query: unexpected status %s", resp.Status)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("statistics query: decode: %w", err)
	}
	return &stats, nil
}

func (c *Client) postCmd(ctx context.Context, path, deviceID string) error {
	resp, err := c.postJSON(ctx, path, map[string]string{"deviceId": deviceID})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %s", path, resp.Status)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}
