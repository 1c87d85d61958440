package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"
)

const (
	simulationDuration = 5 * time.Minute
	injectionInterval  = 5 * time.Second
	pollInterval       = 2 * time.Second
)

// laneProfile describes one submittable model and the parameters a valid
// request must carry.
type laneProfile struct {
	model string
	steps int
	cfg   *float64
}

func f64(v float64) *float64 { return &v }

var profiles = []laneProfile{
	{model: "wan-vace-14b", steps: 8},
	{model: "ltx-video-distilled", steps: 4, cfg: f64(1.0)},
	{model: "sdxl-turbo", steps: 4},
	{model: "flux-schnell", steps: 4},
}

func main() {
	baseURL := os.Getenv("SCHEDULER_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	apiKey := os.Getenv("SCHEDULER_API_KEY")

	client := &http.Client{Timeout: 35 * time.Second}

	// Sanity check before injecting traffic
	if err := ping(client, baseURL); err != nil {
		log.Fatal("Scheduler unreachable (ensure 'make up' is running):", err)
	}

	fmt.Println("🚀 Starting 5-minute Traffic Simulation...")
	fmt.Println("   Watching dispatch outcomes...")

	endTime := time.Now().Add(simulationDuration)
	ticker := time.NewTicker(injectionInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	taskCount := 0

	for {
		select {
		case <-ticker.C:
			if time.Now().After(endTime) {
				wg.Wait()
				fmt.Println("\n✅ Simulation Complete.")
				return
			}

			// Generate a batch of requests
			batchSize := rand.Intn(5) + 1 // 1-5 requests
			fmt.Printf("\n[Generator] Injecting %d new requests...\n", batchSize)

			for i := 0; i < batchSize; i++ {
				taskCount++
				profile := profiles[rand.Intn(len(profiles))]

				// ~20% of requests carry illegal parameters on purpose to
				// exercise the validation rejection path
				steps := profile.steps
				if rand.Float64() < 0.2 {
					steps = profile.steps + rand.Intn(20) + 1
				}

				wg.Add(1)
				go func(n int, model string, steps int, cfg *float64) {
					defer wg.Done()
					submitAndPoll(client, baseURL, apiKey, n, model, steps, cfg)
				}(taskCount, profile.model, steps, profile.cfg)
			}
		}
	}
}

func ping(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/healthz")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	return nil
}

func submitAndPoll(client *http.Client, baseURL, apiKey string, n int, model string, steps int, cfg *float64) {
	params := map[string]any{
		"prompt": fmt.Sprintf("simulation prompt %d", n),
		"steps":  steps,
	}
	if cfg != nil {
		params["cfg"] = *cfg
	}
	body, _ := json.Marshal(map[string]any{
		"model":      model,
		"parameters": params,
	})

	req, err := http.NewRequest(http.MethodPost, baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		log.Printf("Failed to build request %d: %v", n, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		log.Printf("Request %d failed: %v", n, err)
		return
	}
	payload, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		var accepted struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(payload, &accepted); err != nil {
			log.Printf("Request %d: bad accept payload: %v", n, err)
			return
		}
		fmt.Printf("   👀 Accepted %s (model %s, steps %d)\n", accepted.TaskID, model, steps)
		pollStatus(client, baseURL, apiKey, accepted.TaskID)
	case http.StatusUnprocessableEntity:
		fmt.Printf("   🚫 Rejected request %d for %s: invalid parameters (steps %d)\n", n, model, steps)
	case http.StatusServiceUnavailable:
		fmt.Printf("   🛑 Rejected request %d for %s: queue overloaded\n", n, model)
	default:
		fmt.Printf("   ❓ Request %d for %s: unexpected status %d: %s\n", n, model, resp.StatusCode, payload)
	}
}

func pollStatus(client *http.Client, baseURL, apiKey, taskID string) {
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		time.Sleep(pollInterval)

		req, _ := http.NewRequest(http.MethodGet, baseURL+"/status/"+taskID, nil)
		if apiKey != "" {
			req.Header.Set("X-API-Key", apiKey)
		}
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		var status struct {
			Status         string `json:"status"`
			Progress       int    `json:"progress"`
			ErrorMsg       string `json:"error_msg"`
			ResultLocation string `json:"result_location"`
		}
		err = json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if err != nil {
			continue
		}

		switch status.Status {
		case "done":
			fmt.Printf("   ✅ Task %s done -> %s\n", taskID, status.ResultLocation)
			return
		case "failed":
			fmt.Printf("   ❌ Task %s failed: %s\n", taskID, status.ErrorMsg)
			return
		}
	}
	fmt.Printf("   ⏳ Task %s still not terminal after 2 minutes\n", taskID)
}
