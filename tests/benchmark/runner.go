// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// GlobalStats matches the /global-status response of the controller
type GlobalStats struct {
	QueuedTasks  int    `json:"queued_tasks"`
	RunningTasks int    `json:"running_tasks"`
	Processed    uint64 `json:"tasks_processed"`
	Succeeded    uint64 `json:"tasks_succeeded"`
	Failed       uint64 `json:"tasks_failed"`
	Stopped      uint64 `json:"tasks_stopped"`
}

type task struct {
	ID     int        `json:"id"`
	Status string     `json:"status"`
	Start  *time.Time `json:"start"`
	End    *time.Time `json:"end"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

func main() {
	_ = godotenv.Load("../../.env")

	defaultPort := os.Getenv("API_PORT")
	if defaultPort == "" {
		defaultPort = "8080"
	}
	apiHost := flag.String("api_host", "localhost", "Controller API host")
	apiPort := flag.String("api_port", defaultPort, "Controller API port")
	projectID := flag.Int("project", 0, "Project to submit tasks to")
	templateID := flag.Int("template", 0, "Template every task runs")
	count := flag.Int("tasks", 100, "Number of tasks to submit")
	parallel := flag.Int("parallel", 8, "Concurrent submissions")
	flag.Parse()

	if *projectID == 0 || *templateID == 0 {
		fmt.Printf("%sPlease specify --project and --template%s\n", colorRed, colorReset)
		os.Exit(1)
	}
	base := fmt.Sprintf("http://%s:%s", *apiHost, *apiPort)

	fmt.Printf("\n%s%s >> CONTINUUM BENCHMARK: %d tasks on project %d << %s\n", colorCyan, colorBold, *count, *projectID, colorReset)

	initialStats, err := getGlobalStats(base)
	if err != nil {
		fmt.Printf("%s[WARN]%s Could not get initial stats: %v. Metrics might be absolute.\n", colorYellow, colorReset, err)
	}

	startTime := time.Now()
	ids, err := submitAll(base, *projectID, *templateID, *count, *parallel)
	if err != nil {
		fmt.Printf("%s[ERR]%s Failed to submit tasks: %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}
	fmt.Printf("%s[OK]%s %d tasks submitted in %s.\n\n", colorGreen, colorReset, len(ids), time.Since(startTime).Round(time.Millisecond))

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-12s %-10s %-10s %-10s%s\n", colorGray+colorBold, "ELAPSED", "SUCCEEDED", "FAILED", "RUNNING", "QUEUED", colorReset)
	fmt.Println(colorGray + "------------------------------------------------------------" + colorReset)

	var final GlobalStats
	for range ticker.C {
		stats, err := getGlobalStats(base)
		elapsed := time.Since(startTime).Round(time.Second).String()
		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s", elapsed, colorRed, "Error: Connection Refused (Retrying...)", colorReset)
			continue
		}

		succeeded := stats.Succeeded - initialStats.Succeeded
		failed := (stats.Failed - initialStats.Failed) + (stats.Stopped - initialStats.Stopped)
		statusColor := colorGreen
		if failed > 0 {
			statusColor = colorRed
		}
		fmt.Printf("\r%-10s %s%-12d%s %s%-10d%s %s%-10d%s %-10d",
			elapsed,
			colorGreen, succeeded, colorReset,
			statusColor, failed, colorReset,
			colorYellow, stats.RunningTasks, colorReset,
			stats.QueuedTasks,
		)
		if succeeded+failed >= uint64(len(ids)) {
			final = stats
			break
		}
	}
	duration := time.Since(startTime)

	fmt.Printf("\n%s------------------------------------------------------------%s\n", colorGray, colorReset)
	fmt.Printf("\n%s%s Benchmark Completed! %s\n", colorGreen, colorBold, colorReset)
	printReport(final, initialStats, duration, latencies(base, *projectID, ids))
}

func submitAll(base string, projectID, templateID, count, parallel int) ([]int, error) {
	var (
		mu  sync.Mutex
		ids []int
		g   errgroup.Group
	)
	g.SetLimit(parallel)
	body, _ := json.Marshal(map[string]int{"template_id": templateID})
	for i := 0; i < count; i++ {
		g.Go(func() error {
			resp, err := http.Post(fmt.Sprintf("%s/api/projects/%d/tasks", base, projectID), "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusCreated {
				return fmt.Errorf("submit returned %s", resp.Status)
			}
			var t task
			if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
				return err
			}
			mu.Lock()
			ids = append(ids, t.ID)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return ids, err
}

// latencies returns the wall time of every finished task, sorted.
func latencies(base string, projectID int, ids []int) []time.Duration {
	var out []time.Duration
	for _, id := range ids {
		resp, err := http.Get(fmt.Sprintf("%s/api/projects/%d/tasks/%d", base, projectID, id))
		if err != nil {
			continue
		}
		var t task
		err = json.NewDecoder(resp.Body).Decode(&t)
		resp.Body.Close()
		if err != nil || t.Start == nil || t.End == nil {
			continue
		}
		out = append(out, t.End.Sub(*t.Start))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func getGlobalStats(base string) (GlobalStats, error) {
	resp, err := http.Get(base + "/global-status")
	if err != nil {
		return GlobalStats{}, err
	}
	defer resp.Body.Close()

	var stats GlobalStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return GlobalStats{}, err
	}
	return stats, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

func printReport(final, initial GlobalStats, duration time.Duration, lat []time.Duration) {
	succeeded := final.Succeeded - initial.Succeeded
	failed := (final.Failed - initial.Failed) + (final.Stopped - initial.Stopped)
	total := succeeded + failed
	tps := float64(total) / duration.Seconds()

	successRate := 100.0
	if total > 0 {
		successRate = float64(succeeded) / float64(total) * 100
	}

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)
	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset + "\n"

	fmt.Printf(lineFmt, "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt, "Total Tasks:", fmt.Sprintf("%d", total))
	fmt.Printf(lineFmt, "  - Succeeded:", fmt.Sprintf("%d", succeeded))
	fmt.Printf(lineFmt, "  - Failed/Stopped:", fmt.Sprintf("%d", failed))
	fmt.Printf(lineFmt, "Success Rate:", fmt.Sprintf("%.2f%%", successRate))
	fmt.Printf(lineFmt, "Throughput (TPS):", fmt.Sprintf("%.2f tasks/sec", tps))
	fmt.Printf(lineFmt, "Latency p50:", percentile(lat, 0.5).Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt, "Latency p95:", percentile(lat, 0.95).Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt, "Latency max:", percentile(lat, 1).Truncate(time.Millisecond).String())

	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
