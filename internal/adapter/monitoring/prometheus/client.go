package prometheus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/port"
	"go.uber.org/zap"
)

type gpuMonitor struct {
	prometheusURL string
	client        *http.Client
	log           *zap.Logger
}

// NewGPUMonitor creates a Prometheus-backed GPU memory monitor. Workers
// export DCGM framebuffer metrics; the scheduler only reads them.
func NewGPUMonitor(promURL string, log *zap.Logger) port.GPUMonitor {
	return &gpuMonitor{
		prometheusURL: promURL,
		client:        &http.Client{Timeout: 5 * time.Second},
		log:           log,
	}
}

// Prometheus API response structure
type prometheusResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Value  interface{}       `json:"value"`
		} `json:"result"`
	} `json:"data"`
	Error     string `json:"error"`
	ErrorType string `json:"errorType"`
}

// WorkerMemory returns the worker GPU's used and total framebuffer in MB.
func (s *gpuMonitor) WorkerMemory(ctx context.Context, workerID string) (float64, float64, error) {
	usedQuery := fmt.Sprintf(`DCGM_FI_DEV_FB_USED{instance="%s"}`, workerID)
	used, err := s.queryPrometheus(ctx, usedQuery)
	if err != nil {
		return 0, 0, fmt.Errorf("used framebuffer query: %w", err)
	}

	totalQuery := fmt.Sprintf(`DCGM_FI_DEV_FB_USED{instance="%s"} + DCGM_FI_DEV_FB_FREE{instance="%s"}`, workerID, workerID)
	total, err := s.queryPrometheus(ctx, totalQuery)
	if err != nil {
		return 0, 0, fmt.Errorf("total framebuffer query: %w", err)
	}

	return used, total, nil
}

func (s *gpuMonitor) queryPrometheus(ctx context.Context, query string) (float64, error) {
	// URL-encode query
	escapedQuery := url.QueryEscape(query)
	reqURL := fmt.Sprintf("%s/api/v1/query?query=%s", s.prometheusURL, escapedQuery)

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("prometheus returned status %d: %s", resp.StatusCode, string(body))
	}

	var result prometheusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("JSON decode failed: %w", err)
	}

	// Check for Prometheus error response
	if result.Status != "success" {
		return 0, fmt.Errorf("prometheus error: %s (%s)", result.Error, result.ErrorType)
	}

	if len(result.Data.Result) == 0 {
		return 0, fmt.Errorf("no data returned for query: %s", query)
	}

	// Parse value - handle BOTH formats
	value := result.Data.Result[0].Value

	switch v := value.(type) {
	case []interface{}:
		// Standard format: [timestamp, "value"]
		if len(v) < 2 {
			return 0, fmt.Errorf("unexpected value array length: %d", len(v))
		}

		// Value is at index 1
		switch valRaw := v[1].(type) {
		case string:
			return strconv.ParseFloat(valRaw, 64)
		case float64:
			return valRaw, nil
		default:
			return 0, fmt.Errorf("unexpected value type in array: %T", valRaw)
		}

	case float64:
		// Direct number format
		return v, nil

	case string:
		// String number
		return strconv.ParseFloat(v, 64)

	default:
		return 0, fmt.Errorf("unexpected value format: %T (%v)", value, value)
	}
}
