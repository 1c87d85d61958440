package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// LogEntry matches the Zap JSON structure
type LogEntry struct {
	Level    string `json:"level"`
	Msg      string `json:"msg"`
	TaskID   string `json:"task_id"`
	Model    string `json:"model"`
	Lane     string `json:"lane"`
	Reason   string `json:"reason"`
	Service  string `json:"service"`
	Resident string `json:"resident"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[37m"
)

func main() {
	fmt.Println(colorCyan + "🚀 GPU Lane Activity Monitor Starting..." + colorReset)
	fmt.Println(colorGray + "Listening for lane events from the scheduler and workers..." + colorReset)
	fmt.Println("-------------------------------------------------------------------------")

	// Use docker service logs with follow and tail
	cmd := exec.Command("docker", "service", "logs", "-f", "lane-scheduler_scheduler", "lane-scheduler_worker-1", "lane-scheduler_worker-2")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		fmt.Printf("Error creating stdout pipe: %v\n", err)
		return
	}

	if err := cmd.Start(); err != nil {
		fmt.Printf("Error starting docker logs command: %v\n", err)
		return
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()

		// Docker service logs format: "service_name.instance.id | {JSON}"
		parts := strings.SplitN(line, "|", 2)
		if len(parts) < 2 {
			continue
		}

		serviceLabel := strings.TrimSpace(parts[0])
		jsonPayload := strings.TrimSpace(parts[1])

		var entry LogEntry
		if err := json.Unmarshal([]byte(jsonPayload), &entry); err != nil {
			// Not a JSON log or different format, ignore
			continue
		}

		prettify(serviceLabel, entry)
	}

	if err := cmd.Wait(); err != nil {
		fmt.Printf("Docker command exited: %v\n", err)
	}
}

func prettify(serviceLabel string, entry LogEntry) {
	source := colorGray + "SCHED " + colorReset
	if strings.Contains(serviceLabel, "worker-1") {
		source = colorBlue + "WORK-1" + colorReset
	} else if strings.Contains(serviceLabel, "worker-2") {
		source = colorPurple + "WORK-2" + colorReset
	}

	msg := entry.Msg
	lane := entry.Lane
	if lane == "" {
		lane = entry.Model
	}

	switch {
	case strings.Contains(msg, "Task dispatched to dedicated lane"):
		fmt.Printf("[%s] 🚄 "+colorGreen+"Dedicated:"+colorReset+" %s -> %s\n", source, entry.TaskID, lane)
	case strings.Contains(msg, "Task dispatched to shared worker"):
		fmt.Printf("[%s] 🚌 "+colorYellow+"Degraded:"+colorReset+"  %s -> shared (%s)\n", source, entry.TaskID, entry.Reason)
	case strings.Contains(msg, "Fallback activated"):
		fmt.Printf("[%s] ⚠️  "+colorYellow+"Fallback:"+colorReset+"  lane %s degraded (%s)\n", source, lane, entry.Reason)
	case strings.Contains(msg, "Lane restored to dedicated routing"):
		fmt.Printf("[%s] 💚 "+colorGreen+"Restored:"+colorReset+"  lane %s dedicated again\n", source, lane)
	case strings.Contains(msg, "Worker received task"):
		fmt.Printf("[%s] 📥 "+colorCyan+"Received:"+colorReset+"  %s\n", source, entry.TaskID)
	case strings.Contains(msg, "Pipeline loaded"):
		fmt.Printf("[%s] 🧠 "+colorBlue+"Loaded:"+colorReset+"    %s\n", source, entry.Model)
	case strings.Contains(msg, "Released resident pipeline"):
		fmt.Printf("[%s] 🧹 "+colorGray+"Released:"+colorReset+"  %s\n", source, entry.Model)
	case strings.Contains(msg, "Task finished"):
		fmt.Printf("[%s] ✅ "+colorGreen+"Finished:"+colorReset+"  %s\n", source, entry.TaskID)
	case strings.Contains(msg, "Reaped stale task"):
		fmt.Printf("[%s] ⏱️  "+colorRed+"Reaped:"+colorReset+"    %s\n", source, entry.TaskID)
	case entry.Level == "error" || entry.Level == "ERROR":
		fmt.Printf("[%s] ❌ "+colorRed+"ERROR:"+colorReset+" %s\n", source, msg)
	}
}
