package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// usersResp is the server's response to user creation.
type usersResp struct {
	Users []struct {
		ID int64 `json:"id"`
	} `json:"users"`
}

// PostReq represents the JSON payload for creating a post
type PostReq struct {
	Text string `json:"text"`
}

func main() {
	// --- Command-line flags ---
	var server string
	var duration int
	var concurrency int
	var csvFile string
	var trimPercent float64
	var certFile, keyFile string
	var readRatio int

	flag.StringVar(&server, "server", "http://localhost:8080", "server base URL")
	flag.IntVar(&duration, "duration", 30, "duration in seconds")
	flag.IntVar(&concurrency, "c", 50, "number of concurrent goroutines / users")
	flag.StringVar(&csvFile, "csv", "latencies.csv", "CSV file to save latencies")
	flag.Float64Var(&trimPercent, "trim", 1.0, "percent of latency to trim from top and bottom for trimmed mean")
	flag.StringVar(&certFile, "cert", "", "client certificate for TLS servers")
	flag.StringVar(&keyFile, "key", "", "client key for TLS servers")
	flag.IntVar(&readRatio, "reads", 4, "timeline reads per post")
	flag.Parse()
	if readRatio < 0 {
		readRatio = 0
	}

	client := &http.Client{Timeout: 10 * time.Second}
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			panic(fmt.Sprintf("failed to load cert/key: %v", err))
		}
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		}
	}

	// --- Create users for each goroutine ---
	fmt.Printf("Creating %d users...\n", concurrency)
	users := make([]int64, concurrency)
	for i := 0; i < concurrency; i++ {
		payload := map[string]string{"username": fmt.Sprintf("load-user-%d-%d", i, time.Now().UnixNano())}
		b, _ := json.Marshal(payload)

		resp, err := client.Post(server+"/api/users", "application/json", bytes.NewReader(b))
		if err != nil {
			panic(fmt.Sprintf("failed to create user: %v", err))
		}

		var created usersResp
		if err := json.NewDecoder(resp.Body).Decode(&created); err != nil || len(created.Users) != 1 {
			resp.Body.Close()
			panic(fmt.Sprintf("failed to decode user response: %v", err))
		}
		resp.Body.Close()
		users[i] = created.Users[0].ID
	}
	fmt.Println("Users created.")

	// --- Follow ring: every user follows the next one ---
	if concurrency > 1 {
		for i, id := range users {
			next := users[(i+1)%len(users)]
			url := fmt.Sprintf("%s/api/users/%d/follow/%d", server, id, next)
			resp, err := client.Post(url, "application/json", nil)
			if err != nil {
				panic(fmt.Sprintf("failed to follow: %v", err))
			}
			resp.Body.Close()
		}
		fmt.Println("Follow ring created.")
	}

	// --- Prepare concurrency test ---
	stopTime := time.Now().Add(time.Duration(duration) * time.Second)
	var wg sync.WaitGroup

	// Atomic counters for thread-safe tracking
	var requests int64
	var successes int64
	var errors4xx int64
	var errors5xx int64

	latencySlices := make([][]float64, concurrency) // each goroutine records latencies

	// --- Start concurrent goroutines for load test ---
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			userID := users[idx]
			var localLatencies []float64

			// Keep sending requests until the test duration ends
			for n := 0; time.Now().Before(stopTime); n++ {
				start := time.Now()
				var req *http.Request
				if n%(readRatio+1) == 0 {
					body := PostReq{Text: fmt.Sprintf("load test post %d", time.Now().UnixNano())}
					b, _ := json.Marshal(body)
					req, _ = http.NewRequestWithContext(context.Background(), http.MethodPost,
						fmt.Sprintf("%s/api/users/%d/posts", server, userID), bytes.NewReader(b))
					req.Header.Set("Content-Type", "application/json")
				} else {
					req, _ = http.NewRequestWithContext(context.Background(), http.MethodGet,
						fmt.Sprintf("%s/api/users/%d/timeline", server, userID), nil)
				}

				resp, err := client.Do(req)
				lat := time.Since(start).Seconds() * 1000 // latency in ms
				localLatencies = append(localLatencies, lat)
				atomic.AddInt64(&requests, 1)

				if err != nil {
					fmt.Printf("Request error: %v\n", err)
					continue
				}

				// Count success/failure by status code
				if resp != nil {
					if resp.StatusCode >= 200 && resp.StatusCode < 300 {
						atomic.AddInt64(&successes, 1)
					} else if resp.StatusCode >= 400 && resp.StatusCode < 500 {
						atomic.AddInt64(&errors4xx, 1)
					} else if resp.StatusCode >= 500 {
						atomic.AddInt64(&errors5xx, 1)
					}

					bodyBytes, _ := io.ReadAll(resp.Body)
					if resp.StatusCode >= 400 && len(bodyBytes) > 0 {
						fmt.Printf("Status %d: %s\n", resp.StatusCode, string(bodyBytes))
					}
					resp.Body.Close()
				}
			}

			latencySlices[idx] = localLatencies
		}(i)
	}

	wg.Wait()

	// --- Merge all latencies ---
	var allLatencies []float64
	for _, slice := range latencySlices {
		allLatencies = append(allLatencies, slice...)
	}
	sort.Float64s(allLatencies)

	// --- Compute statistics ---
	trimmedMeanVal := trimmedMean(allLatencies, trimPercent)
	p50 := percentile(allLatencies, 50)
	p90 := percentile(allLatencies, 90)
	p99 := percentile(allLatencies, 99)

	fmt.Printf("Requests: %d  Successes: %d  4xx: %d  5xx: %d\n", requests, successes, errors4xx, errors5xx)
	fmt.Printf("Latency (ms): trimmed_mean=%.2f p50=%.2f p90=%.2f p99=%.2f\n", trimmedMeanVal, p50, p90, p99)

	// --- Save latencies to CSV ---
	f, err := os.Create(csvFile)
	if err != nil {
		fmt.Printf("Failed to create CSV file: %v\n", err)
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	w.Write([]string{"latency_ms"})
	for _, d := range allLatencies {
		w.Write([]string{fmt.Sprintf("%.3f", d)})
	}
	fmt.Printf("Saved latencies to %s\n", csvFile)
}

// trimmedMean calculates mean latency after trimming top/bottom trimPercent values
func trimmedMean(data []float64, trimPercent float64) float64 {
	if len(data) == 0 {
		return 0
	}
	trim := int(float64(len(data)) * trimPercent / 100.0)
	if trim*2 >= len(data) {
		trim = len(data) / 2
	}
	trimmed := data[trim : len(data)-trim]
	var sum float64
	for _, v := range trimmed {
		sum += v
	}
	return sum / float64(len(trimmed))
}

// percentile calculates the p-th percentile from sorted data
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}
	k := (p / 100.0) * float64(len(data)-1)
	f := int(k)
	c := f + 1
	if c >= len(data) {
		return data[len(data)-1]
	}
	d0 := data[f]*(float64(c)-k) + data[c]*(k-float64(f))
	return d0
}
