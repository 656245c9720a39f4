package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	accounts    int
)

// Metrics
var (
	totalRequests uint64
	accepted202   uint64 // Queued for processing
	replays200    uint64 // Idempotent replays
	rejected422   uint64 // Validation / insufficient balance
	throttled429  uint64 // Rate limited
	failOther     uint64
)

type benchAccount struct {
	ID     int64  `json:"id"`
	APIKey string `json:"api_key"`
}

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&accounts, "accounts", 50, "Number of benchmark accounts to provision")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	pool := provision()
	log.Printf("Provisioned %d accounts", len(pool))

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, pool)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func provision() []benchAccount {
	client := &http.Client{Timeout: 5 * time.Second}
	pool := make([]benchAccount, 0, accounts)

	for i := 0; i < accounts; i++ {
		email := fmt.Sprintf("bench-%d-%d@paygate.local", time.Now().UnixNano(), i)
		body, _ := json.Marshal(map[string]string{"email": email})

		resp, err := client.Post(targetURL+"/api/v1/accounts", "application/json", bytes.NewBuffer(body))
		if err != nil {
			log.Fatalf("Account provisioning failed: %v", err)
		}
		var acc benchAccount
		json.NewDecoder(resp.Body).Decode(&acc)
		resp.Body.Close()
		if acc.APIKey == "" {
			log.Fatalf("Account provisioning returned status %d", resp.StatusCode)
		}
		pool = append(pool, acc)
	}
	return pool
}

func worker(wg *sync.WaitGroup, start time.Time, pool []benchAccount) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		acc := pickAccount(pool)

		// Deposits outnumber withdrawals so balances trend upward and
		// withdrawals exercise both the happy and insufficient paths.
		endpoint := "/api/v1/deposits"
		if rand.Float32() < 0.4 {
			endpoint = "/api/v1/withdrawals"
		}

		key := fmt.Sprintf("bench-%d-%d", acc.ID, time.Now().UnixNano())
		payload := map[string]interface{}{"amount": "25.00"}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+endpoint, bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", acc.APIKey)
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 202:
			atomic.AddUint64(&accepted202, 1)
		case 200:
			atomic.AddUint64(&replays200, 1)
		case 422:
			atomic.AddUint64(&rejected422, 1)
		case 429:
			atomic.AddUint64(&throttled429, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func pickAccount(pool []benchAccount) benchAccount {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic hammers the first two accounts
		if rand.Float32() < 0.90 {
			return pool[rand.Intn(2)]
		}
	}
	return pool[rand.Intn(len(pool))]
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	a202 := atomic.LoadUint64(&accepted202)
	r200 := atomic.LoadUint64(&replays200)
	r422 := atomic.LoadUint64(&rejected422)
	t429 := atomic.LoadUint64(&throttled429)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()

	results := map[string]interface{}{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_tps": tps,
		"accepted":       a202,
		"replays":        r200,
		"rejected":       r422,
		"rate_limited":   t429,
		"errors":         fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
