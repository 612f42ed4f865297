// Benchmark tool for testing Kestrel against PaySim fraud data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/paysim.csv -url http://localhost:8080
//
// This tool:
//   1. Reads PaySim transaction data (with fraud labels) and groups it by
//      originating account
//   2. Ingests each account's transactions as activity events
//   3. Opens an investigation per account and drives it to completion
//   4. Compares Kestrel's label (SUSPECTED_FRAUD/NOT_FRAUD) with the actual
//      fraud labels and calculates precision, recall, F1-score, and a
//      confusion matrix
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PaySimTransaction represents a row from the PaySim dataset
type PaySimTransaction struct {
	Step           int
	Type           string
	Amount         float64
	NameOrig       string
	OldBalanceOrg  float64
	NewBalanceOrig float64
	NameDest       string
	OldBalanceDest float64
	NewBalanceDest float64
	IsFraud        bool
	IsFlaggedFraud bool
}

// AccountCase is one benchmark unit: an account, its transactions, and
// whether any of them is labeled fraud.
type AccountCase struct {
	Account      string
	Transactions []PaySimTransaction
	IsFraud      bool
}

// ActivityRequest mirrors Kestrel's POST /activity body.
type ActivityRequest struct {
	Type      string         `json:"type"`
	AccountID string         `json:"accountId"`
	Amount    float64        `json:"amount"`
	Currency  string         `json:"currency"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StartRequest mirrors Kestrel's POST /investigations body.
type StartRequest struct {
	Subject struct {
		EntityType  string `json:"entityType"`
		EntityValue string `json:"entityValue"`
	} `json:"subject"`
	Window struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	} `json:"window"`
}

// StartResponse is the created investigation.
type StartResponse struct {
	ID string `json:"id"`
}

// AdvanceResponse is the POST /investigations/{id}/advance body.
type AdvanceResponse struct {
	Phase    string `json:"phase"`
	Terminal bool   `json:"terminal"`
}

// StatusResponse is the GET /investigations/{id} body.
type StatusResponse struct {
	Verdict *struct {
		FinalScore *float64 `json:"finalScore"`
	} `json:"verdict"`
	Remediation *struct {
		Label string `json:"label"`
	} `json:"remediation"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud labeled SUSPECTED_FRAUD
	FalsePositives int64 // Non-fraud labeled SUSPECTED_FRAUD
	TrueNegatives  int64 // Non-fraud labeled NOT_FRAUD (or unpublished)
	FalseNegatives int64 // Fraud labeled NOT_FRAUD (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to PaySim CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 1000, "Maximum accounts to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only test accounts with fraud")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for non-fraud accounts (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each account result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/paysim.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║         KESTREL BENCHMARK - PaySim Fraud Detection            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Fraud Only:  %v\n", *fraudOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	// Read PaySim data
	fmt.Printf("\nReading PaySim data from %s...\n", *csvPath)
	cases, err := readPaySimCases(*csvPath, *limit, *fraudOnly, *sampleRate)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d accounts\n", len(cases))

	fraudCount := 0
	for _, c := range cases {
		if c.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(cases)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(cases)-fraudCount, 100*float64(len(cases)-fraudCount)/float64(len(cases)))

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(cases, *baseURL, *workers, *verbose)
	duration := time.Since(startTime)

	// Print results
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

func readPaySimCases(path string, limit int, fraudOnly bool, sampleRate float64) ([]AccountCase, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(col)] = i
	}

	byAccount := make(map[string]*AccountCase)
	var order []string

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		step, _ := strconv.Atoi(record[colIndex["step"]])
		amount, _ := strconv.ParseFloat(record[colIndex["amount"]], 64)
		oldBalanceOrg, _ := strconv.ParseFloat(record[colIndex["oldbalanceorg"]], 64)
		newBalanceOrig, _ := strconv.ParseFloat(record[colIndex["newbalanceorig"]], 64)
		isFraud := record[colIndex["isfraud"]] == "1"
		isFlaggedFraud := record[colIndex["isflaggedfraud"]] == "1"

		tx := PaySimTransaction{
			Step:           step,
			Type:           record[colIndex["type"]],
			Amount:         amount,
			NameOrig:       record[colIndex["nameorig"]],
			OldBalanceOrg:  oldBalanceOrg,
			NewBalanceOrig: newBalanceOrig,
			NameDest:       record[colIndex["namedest"]],
			IsFraud:        isFraud,
			IsFlaggedFraud: isFlaggedFraud,
		}

		c, ok := byAccount[tx.NameOrig]
		if !ok {
			c = &AccountCase{Account: tx.NameOrig}
			byAccount[tx.NameOrig] = c
			order = append(order, tx.NameOrig)
		}
		c.Transactions = append(c.Transactions, tx)
		if isFraud {
			c.IsFraud = true
		}
	}

	var cases []AccountCase
	sampleCounter := 0
	for _, account := range order {
		c := byAccount[account]

		if fraudOnly && !c.IsFraud {
			continue
		}
		if !c.IsFraud && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		cases = append(cases, *c)
		if limit > 0 && len(cases) >= limit {
			break
		}
	}

	return cases, nil
}

func runBenchmark(cases []AccountCase, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan AccountCase, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 30 * time.Second}

			for c := range work {
				start := time.Now()
				predicted, err := investigateAccount(client, baseURL, c)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", c.Account, err)
					}
					continue
				}

				if c.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}

				actual := c.IsFraud
				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else { // !predicted && actual
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if predicted != actual {
						status = "✗"
					}
					name := c.Account
					if len(name) > 10 {
						name = name[:10]
					}
					fmt.Printf("%s %-10s | Events: %4d | Fraud: %-5v | Kestrel: %v\n",
						status, name, len(c.Transactions), c.IsFraud, predicted)
				}
			}
		}()
	}

	for _, c := range cases {
		work <- c
	}
	close(work)

	wg.Wait()

	return metrics
}

// investigateAccount ingests the account's activity, runs a full
// investigation, and reports whether Kestrel labeled it SUSPECTED_FRAUD.
func investigateAccount(client *http.Client, baseURL string, c AccountCase) (bool, error) {
	// PaySim steps are hours; anchor them in the recent past so the
	// lookback window covers them.
	base := time.Now().UTC().Add(-31 * 24 * time.Hour)

	var first, last time.Time
	for _, tx := range c.Transactions {
		ts := base.Add(time.Duration(tx.Step) * time.Hour)
		if first.IsZero() || ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}

		req := ActivityRequest{
			Type:      strings.ToLower(tx.Type),
			AccountID: c.Account,
			Amount:    tx.Amount,
			Currency:  "USD",
			Timestamp: ts,
			Metadata: map[string]any{
				"old_balance": tx.OldBalanceOrg,
				"new_balance": tx.NewBalanceOrig,
				"dest":        tx.NameDest,
			},
		}
		if err := postJSON(client, baseURL+"/activity", req, nil); err != nil {
			return false, fmt.Errorf("ingest: %w", err)
		}
	}

	// Open the investigation over the account's activity window.
	var startReq StartRequest
	startReq.Subject.EntityType = "USER_ID"
	startReq.Subject.EntityValue = c.Account
	startReq.Window.Start = first.Add(-time.Hour)
	startReq.Window.End = last.Add(time.Hour)

	var inv StartResponse
	if err := postJSON(client, baseURL+"/investigations", startReq, &inv); err != nil {
		return false, fmt.Errorf("start: %w", err)
	}

	// Drive it to a terminal phase.
	for i := 0; i < 10; i++ {
		var adv AdvanceResponse
		if err := postJSON(client, baseURL+"/investigations/"+inv.ID+"/advance", nil, &adv); err != nil {
			return false, fmt.Errorf("advance: %w", err)
		}
		if adv.Terminal {
			break
		}
	}

	// Read the outcome.
	resp, err := client.Get(baseURL + "/investigations/" + inv.ID)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("status: %d", resp.StatusCode)
	}

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, err
	}

	return status.Remediation != nil && status.Remediation.Label == "SUSPECTED_FRAUD", nil
}

func postJSON(client *http.Client, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(http.MethodPost, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    SUSP        NOT")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	// Calculate metrics
	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of suspects, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
	if m.TotalFraud > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalFraud) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalFraud) * 100
		fmt.Printf("   Fraud Detected:    %d / %d (%.2f%%)\n", m.TruePositives, m.TotalFraud, detectionRate)
		fmt.Printf("   Fraud Missed:      %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.TotalFraud, missRate)
	}
	if m.TotalNonFraud > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalNonFraud) * 100
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalNonFraud, falseAlarmRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		aps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f accounts/sec\n", aps)
	}

	// Interpretation
	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most fraud")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some fraud")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant fraud being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most fraud is being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - suspects are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false alarms")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false alarms")
	}

	fmt.Println()
}
