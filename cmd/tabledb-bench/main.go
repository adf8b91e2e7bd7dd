package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Records       int
	Duration      time.Duration
	OpsPerSec     float64
	RecordsPerSec float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
	P99Latency    time.Duration
}

type tableInfo struct {
	Name    string `json:"name"`
	Chunks  int    `json:"chunks"`
	Records uint64 `json:"records"`
}

type generationDescriptor struct {
	Generation struct {
		Chunks []struct {
			SequenceID uint64 `json:"sequence_id"`
		} `json:"chunks"`
	} `json:"generation"`
}

var client = &http.Client{Timeout: 10 * time.Second}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "tabledb admin endpoint")
	tableName := flag.String("table", "events", "table to load")
	batches := flag.Int("batches", 200, "number of append requests")
	batchSize := flag.Int("batch-size", 100, "records per append request")
	concurrency := flag.Int("concurrency", 8, "parallel clients")
	flag.Parse()

	fmt.Println("=== tabledb benchmark ===")
	fmt.Printf("Target: %s table=%s\n\n", *baseURL, *tableName)

	if !checkHealth(*baseURL) {
		fmt.Printf("ERROR: node %s is not available\n", *baseURL)
		os.Exit(1)
	}

	fmt.Printf("Test 1: Appends (%d batches of %d, %d clients)\n", *batches, *batchSize, *concurrency)
	printResult(benchmarkAppends(*baseURL, *tableName, *batches, *batchSize, *concurrency))

	fmt.Println("\nTest 2: Commit")
	printResult(run(1, 1, func(int) (int, error) { return commit(*baseURL, *tableName) }))

	fmt.Println("\nTest 3: Merge until nothing is left to merge")
	printResult(benchmarkMerges(*baseURL, *tableName))

	fmt.Printf("\nTest 4: Chunk downloads (%d clients)\n", *concurrency)
	printResult(benchmarkDownloads(*baseURL, *tableName, *concurrency))

	if info, err := describe(*baseURL, *tableName); err == nil {
		fmt.Printf("\nTable %s: %d chunks, %d records\n", info.Name, info.Chunks, info.Records)
	}
	fmt.Println("\n=== Benchmark Complete ===")
}

func checkHealth(baseURL string) bool {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// run executes totalOps calls of op spread over concurrency goroutines. op
// returns the number of records it moved.
func run(totalOps, concurrency int, op func(i int) (int, error)) BenchmarkResult {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful, failed, records := 0, 0, 0
	latencies := make([]time.Duration, 0, totalOps)

	next := make(chan int)
	go func() {
		for i := 0; i < totalOps; i++ {
			next <- i
		}
		close(next)
	}()

	for g := 0; g < concurrency; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				opStart := time.Now()
				n, err := op(i)
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
					successful++
					records += n
				} else {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return summarize(totalOps, successful, failed, records, time.Since(start), latencies)
}

func summarize(total, successful, failed, records int, duration time.Duration, latencies []time.Duration) BenchmarkResult {
	res := BenchmarkResult{
		TotalOps:      total,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Records:       records,
		Duration:      duration,
	}
	if len(latencies) == 0 {
		return res
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	res.MinLatency = latencies[0]
	res.MaxLatency = latencies[len(latencies)-1]
	res.P99Latency = latencies[(len(latencies)*99)/100]
	res.AvgLatency = sum / time.Duration(len(latencies))
	res.OpsPerSec = float64(successful) / duration.Seconds()
	res.RecordsPerSec = float64(records) / duration.Seconds()
	return res
}

func benchmarkAppends(baseURL, tableName string, batches, batchSize, concurrency int) BenchmarkResult {
	return run(batches, concurrency, func(i int) (int, error) {
		docs := make([]map[string]any, 0, batchSize)
		for j := 0; j < batchSize; j++ {
			docs = append(docs, map[string]any{
				"id":    i*batchSize + j,
				"kind":  "bench",
				"value": float64(j) / float64(batchSize),
			})
		}
		body, err := json.Marshal(docs)
		if err != nil {
			return 0, err
		}
		if err := post(baseURL+"/tables/"+tableName+"/records", body, nil); err != nil {
			return 0, err
		}
		return batchSize, nil
	})
}

func benchmarkMerges(baseURL, tableName string) BenchmarkResult {
	start := time.Now()
	var latencies []time.Duration
	successful, failed := 0, 0
	for {
		opStart := time.Now()
		var out struct {
			Value struct {
				Merged bool `json:"merged"`
			} `json:"value"`
		}
		err := post(baseURL+"/tables/"+tableName+"/merge", nil, &out)
		latencies = append(latencies, time.Since(opStart))
		if err != nil {
			failed++
			break
		}
		successful++
		if !out.Value.Merged {
			break
		}
	}
	return summarize(len(latencies), successful, failed, 0, time.Since(start), latencies)
}

func benchmarkDownloads(baseURL, tableName string, concurrency int) BenchmarkResult {
	seqs, err := chunkSeqs(baseURL, tableName)
	if err != nil {
		fmt.Printf("  ERROR: %v\n", err)
		return BenchmarkResult{}
	}
	return run(len(seqs), concurrency, func(i int) (int, error) {
		resp, err := client.Get(baseURL + "/tables/" + tableName + "/chunks/" + strconv.FormatUint(seqs[i], 10))
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			return 0, err
		}
		if resp.StatusCode != http.StatusOK {
			return 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
		}
		return 0, nil
	})
}

func commit(baseURL, tableName string) (int, error) {
	var out struct {
		Value struct {
			Records int `json:"records"`
		} `json:"value"`
	}
	if err := post(baseURL+"/tables/"+tableName+"/commit", nil, &out); err != nil {
		return 0, err
	}
	return out.Value.Records, nil
}

func chunkSeqs(baseURL, tableName string) ([]uint64, error) {
	resp, err := client.Get(baseURL + "/tables/" + tableName + "/generation")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	var desc generationDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, err
	}
	seqs := make([]uint64, 0, len(desc.Generation.Chunks))
	for _, c := range desc.Generation.Chunks {
		seqs = append(seqs, c.SequenceID)
	}
	return seqs, nil
}

func describe(baseURL, tableName string) (tableInfo, error) {
	resp, err := client.Get(baseURL + "/tables")
	if err != nil {
		return tableInfo{}, err
	}
	defer resp.Body.Close()
	var out struct {
		Value []tableInfo `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return tableInfo{}, err
	}
	for _, t := range out.Value {
		if t.Name == tableName {
			return t, nil
		}
	}
	return tableInfo{}, fmt.Errorf("table %s not found", tableName)
}

func post(url string, body []byte, out any) error {
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status: %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	if result.Records > 0 {
		fmt.Printf("  Records/sec: %.2f\n", result.RecordsPerSec)
	}
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
	fmt.Printf("  P99 Latency: %v\n", result.P99Latency)
}
