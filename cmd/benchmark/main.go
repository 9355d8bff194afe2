// Benchmark tool for measuring Kestrel's risk rules against labelled scenarios.
//
// Usage:
//
//	go run cmd/benchmark/main.go -scenarios /path/to/scenarios.json -url http://localhost:8080
//
// The scenarios file is a JSON array of objects:
//
//	{"name": "...", "entity_id": "...", "transfers": [...], "beneficiary_name": "...", "expect_alert": true}
//
// This tool:
//  1. Reads the labelled scenarios
//  2. Posts each one to POST /risk/evaluate
//  3. Compares Kestrel's verdict (ALRT/NALT) with the expected label
//  4. Reports the confusion matrix, precision, recall, F1 and latency percentiles
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Scenario is one labelled evaluation request.
type Scenario struct {
	Name            string            `json:"name"`
	EntityID        string            `json:"entity_id,omitempty"`
	Transfers       []json.RawMessage `json:"transfers,omitempty"`
	BeneficiaryName string            `json:"beneficiary_name,omitempty"`
	ExpectAlert     bool              `json:"expect_alert"`
}

// EvaluateRequest is the Kestrel API request format
type EvaluateRequest struct {
	EntityID        string            `json:"entity_id,omitempty"`
	Transfers       []json.RawMessage `json:"transfers,omitempty"`
	BeneficiaryName string            `json:"beneficiary_name,omitempty"`
}

// EvaluateResponse is the subset of the Kestrel response the benchmark reads.
type EvaluateResponse struct {
	EvaluationID string   `json:"evaluation_id"`
	Status       string   `json:"status"` // "ALRT" or "NALT"
	Score        float64  `json:"score"`
	Labels       []string `json:"labels"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // expected alert, got ALRT
	FalsePositives int64 // expected quiet, got ALRT
	TrueNegatives  int64 // expected quiet, got NALT
	FalseNegatives int64 // expected alert, got NALT

	TotalProcessed int64
	TotalErrors    int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) record(expected, predicted bool, latency time.Duration) {
	switch {
	case predicted && expected:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !expected:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !expected:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}

	m.mu.Lock()
	m.latencies = append(m.latencies, latency)
	m.mu.Unlock()
}

// Scores are the derived classification metrics.
type Scores struct {
	Precision float64
	Recall    float64
	F1        float64
	Accuracy  float64
}

func (m *Metrics) scores() Scores {
	var s Scores
	if m.TruePositives+m.FalsePositives > 0 {
		s.Precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		s.Recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	total := m.TruePositives + m.FalsePositives + m.TrueNegatives + m.FalseNegatives
	if total > 0 {
		s.Accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}
	return s
}

// percentile returns the nearest-rank p-th percentile of sorted.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func main() {
	scenariosPath := flag.String("scenarios", "", "Path to labelled scenarios JSON file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	repeat := flag.Int("repeat", 1, "Times to send every scenario")
	verbose := flag.Bool("verbose", false, "Print each scenario result")
	flag.Parse()

	if *scenariosPath == "" {
		fmt.Println("Usage: benchmark -scenarios /path/to/scenarios.json [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║           KESTREL BENCHMARK - Risk Rule Evaluation            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nScenarios:   %s\n", *scenariosPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Repeat:      %d\n", *repeat)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	scenarios, err := readScenarios(*scenariosPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to read scenarios: %v\n", err)
		os.Exit(1)
	}
	if len(scenarios) == 0 {
		fmt.Println("ERROR: no scenarios")
		os.Exit(1)
	}

	alerting := 0
	for _, sc := range scenarios {
		if sc.ExpectAlert {
			alerting++
		}
	}
	fmt.Printf("✓ Loaded %d scenarios\n", len(scenarios))
	fmt.Printf("  - Expect alert: %d (%.2f%%)\n", alerting, 100*float64(alerting)/float64(len(scenarios)))
	fmt.Printf("  - Expect quiet: %d (%.2f%%)\n", len(scenarios)-alerting, 100*float64(len(scenarios)-alerting)/float64(len(scenarios)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(scenarios, *baseURL, *workers, *repeat, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readScenarios(path string) ([]Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var scenarios []Scenario
	if err := json.Unmarshal(raw, &scenarios); err != nil {
		return nil, fmt.Errorf("decode scenarios: %w", err)
	}
	return scenarios, nil
}

func runBenchmark(scenarios []Scenario, baseURL string, numWorkers, repeat int, verbose bool) *Metrics {
	metrics := &Metrics{}
	if numWorkers < 1 {
		numWorkers = 1
	}
	if repeat < 1 {
		repeat = 1
	}

	work := make(chan Scenario, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for sc := range work {
				start := time.Now()
				result, err := evaluateScenario(client, baseURL, sc)
				elapsed := time.Since(start)

				atomic.AddInt64(&metrics.TotalProcessed, 1)
				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", sc.Name, err)
					}
					continue
				}

				predicted := result.Status == "ALRT"
				metrics.record(sc.ExpectAlert, predicted, elapsed)

				if verbose {
					status := "✓"
					if predicted != sc.ExpectAlert {
						status = "✗"
					}
					fmt.Printf("%s %-24s | Expect: %-5v | Kestrel: %-4s (%6.2f) | %v\n",
						status, sc.Name, sc.ExpectAlert, result.Status, result.Score, result.Labels)
				}
			}
		}()
	}

	for r := 0; r < repeat; r++ {
		for _, sc := range scenarios {
			work <- sc
		}
	}
	close(work)

	wg.Wait()

	return metrics
}

func evaluateScenario(client *http.Client, baseURL string, sc Scenario) (*EvaluateResponse, error) {
	body, err := json.Marshal(EvaluateRequest{
		EntityID:        sc.EntityID,
		Transfers:       sc.Transfers,
		BeneficiaryName: sc.BeneficiaryName,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/risk/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 RUN STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    ALRT        NALT")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Expect  A  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           Q  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	s := m.scores()
	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %6.2f%%\n", 100*s.Precision)
	fmt.Printf("   Recall:     %6.2f%%\n", 100*s.Recall)
	fmt.Printf("   F1 Score:   %6.2f%%\n", 100*s.F1)
	fmt.Printf("   Accuracy:   %6.2f%%\n", 100*s.Accuracy)

	sorted := append([]time.Duration(nil), m.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	fmt.Printf("\n⚡ PERFORMANCE\n")
	fmt.Printf("   Duration:    %v\n", duration.Round(time.Millisecond))
	if duration > 0 {
		fmt.Printf("   Throughput:  %.1f req/s\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Printf("   Latency p50: %v\n", percentile(sorted, 50))
	fmt.Printf("   Latency p95: %v\n", percentile(sorted, 95))
	fmt.Printf("   Latency p99: %v\n", percentile(sorted, 99))
	fmt.Println()
}
