package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// Registers a handful of installations, then hammers update_stats for the
// same tokens from many workers. Each report carries a total that only the
// last writer for a token can win with, so the final admin view shows whether
// concurrent upserts stayed consistent.

type job struct {
	token string
	seq   int64
}

type result struct {
	token string
	seq   int64
	ok    bool
}

func main() {
	var (
		baseURL     = pflag.String("url", "http://localhost:8080", "server base URL")
		numRequests = pflag.IntP("requests", "n", 1000, "update_stats requests to send")
		workers     = pflag.IntP("workers", "c", 50, "concurrent workers")
		numTokens   = pflag.IntP("tokens", "t", 5, "installations sharing the load")
		pause       = pflag.Duration("pause", 10*time.Millisecond, "pause between requests per worker")
	)
	pflag.Parse()

	log := logrus.New()
	endpoint := strings.TrimRight(*baseURL, "/") + "/api/telemetry"
	client := &http.Client{Timeout: 10 * time.Second}
	ctx := context.Background()

	if err := waitHealthy(ctx, client, strings.TrimRight(*baseURL, "/")+"/health"); err != nil {
		log.WithError(err).Fatal("server never became healthy")
	}

	tokens := make([]string, *numTokens)
	for i := range tokens {
		tokens[i] = uuid.New().String()
		ok, err := post(client, endpoint, map[string]interface{}{
			"action":     "register",
			"token":      tokens[i],
			"name":       fmt.Sprintf("loadtest-%d", i),
			"email":      fmt.Sprintf("loadtest-%d@example.com", i),
			"machine_id": uuid.New().String(),
			"version":    "loadtest",
		})
		if err != nil || !ok {
			log.WithError(err).WithField("token", tokens[i]).Fatal("registration failed")
		}
	}

	var successCount, errorCount int
	var wg sync.WaitGroup

	jobs := make(chan job, *numRequests)
	results := make(chan result, *numRequests)

	startTime := time.Now()

	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go worker(w, jobs, results, client, endpoint, *pause, log, &wg)
	}

	for j := 0; j < *numRequests; j++ {
		jobs <- job{token: tokens[j%len(tokens)], seq: int64(j + 1)}
	}
	close(jobs)

	wg.Wait()
	close(results)

	sent := make(map[string]map[int64]bool, len(tokens))
	for r := range results {
		if !r.ok {
			errorCount++
			continue
		}
		successCount++
		if sent[r.token] == nil {
			sent[r.token] = make(map[int64]bool)
		}
		sent[r.token][r.seq] = true
	}

	duration := time.Since(startTime)

	fmt.Println("Load Test Results:")
	fmt.Println("==================")
	fmt.Printf("Total Requests: %d\n", *numRequests)
	fmt.Printf("Tokens: %d\n", len(tokens))
	fmt.Printf("Successful: %d\n", successCount)
	fmt.Printf("Failed: %d\n", errorCount)
	fmt.Printf("Duration: %v\n", duration)
	fmt.Printf("Requests/sec: %.2f\n", float64(*numRequests)/duration.Seconds())
	fmt.Printf("Success Rate: %.2f%%\n", float64(successCount)/float64(*numRequests)*100)

	password := os.Getenv("TELEMETRY_ADMIN_PASSWORD")
	if password == "" {
		fmt.Println("Set TELEMETRY_ADMIN_PASSWORD to verify the stored totals.")
		return
	}
	if err := verify(client, endpoint, password, sent); err != nil {
		log.WithError(err).Fatal("consistency check failed")
	}
	fmt.Println("Consistency: every token holds a total that was actually sent")
}

func worker(
	id int,
	jobs <-chan job,
	results chan<- result,
	client *http.Client,
	endpoint string,
	pause time.Duration,
	log *logrus.Logger,
	wg *sync.WaitGroup,
) {
	defer wg.Done()

	for j := range jobs {
		now := time.Now().Format("2006-01-02T15:04:05")
		ok, err := post(client, endpoint, map[string]interface{}{
			"action":               "update_stats",
			"token":                j.token,
			"total_backups":        j.seq,
			"total_bytes_original": j.seq << 30,
			"total_files":          j.seq * 100,
			"backups_by_format":    map[string]int64{"zip": j.seq},
			"full_backups":         j.seq,
			"first_backup":         now,
			"last_backup":          now,
		})
		if err != nil {
			log.WithError(err).WithField("worker", id).Warn("request failed")
		}
		results <- result{token: j.token, seq: j.seq, ok: ok}

		time.Sleep(pause)
	}
}

func post(client *http.Client, endpoint string, payload interface{}) (bool, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	resp, err := client.Post(endpoint, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

func waitHealthy(ctx context.Context, client *http.Client, healthURL string) error {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		resp, err := client.Get(healthURL)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health returned %d", resp.StatusCode)
		}
		return nil
	}, backoff.WithContext(eb, ctx))
}

func verify(client *http.Client, endpoint, password string, sent map[string]map[int64]bool) error {
	resp, err := client.Get(endpoint + "?" + url.Values{"type": {"admin"}, "password": {password}}.Encode())
	if err != nil {
		return errors.New("admin request failed")
	}
	defer resp.Body.Close()

	var body struct {
		Success bool `json:"success"`
		Data    []struct {
			Token        string `json:"token"`
			TotalBackups *int64 `json:"total_backups"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	if !body.Success {
		return fmt.Errorf("admin request returned %d", resp.StatusCode)
	}

	for _, row := range body.Data {
		seqs, tracked := sent[row.Token]
		if !tracked {
			continue
		}
		if row.TotalBackups == nil || !seqs[*row.TotalBackups] {
			return fmt.Errorf("token %s holds a total that was never sent", row.Token)
		}
		fmt.Printf("  %s: total_backups=%d\n", row.Token, *row.TotalBackups)
	}
	return nil
}
