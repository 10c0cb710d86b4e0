package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"
)

type event struct {
	BusinessEventID string            `json:"business_event_id,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
	Source          string            `json:"source"`
	Level           string            `json:"level"`
	Message         string            `json:"message"`
	PartitionKey    string            `json:"partition_key,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

var levels = []string{"debug", "info", "warn", "error"}

func main() {
	targetURL := flag.String("url", "http://localhost:8080/ingest", "Target URL for ingestion")
	apiKey := flag.String("api-key", "", "API Key for authentication")
	concurrency := flag.Int("c", 10, "Number of concurrent workers")
	duration := flag.Duration("d", 30*time.Second, "Duration of the load test")
	rps := flag.Int("rps", 1000, "Requests per second limit")
	batch := flag.Int("batch", 1, "Events per request; above 1 the body is NDJSON")
	dupRate := flag.Float64("dup", 0.1, "Fraction of events that reuse an earlier business_event_id")
	useGzip := flag.Bool("gzip", false, "Gzip request bodies")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	logger.Info("starting load test", "url", *targetURL, "concurrency", *concurrency, "duration", *duration, "rps", *rps, "batch", *batch)

	var wg sync.WaitGroup
	var successCount, errorCount, eventCount atomic.Int64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rps), 100) // Allow bursts up to 100

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := &http.Client{
				Timeout: 5 * time.Second,
			}
			var sent []string

			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}

				body, contentType, ids := buildBody(workerID, *batch, *dupRate, sent)
				sent = append(sent, ids...)
				if len(sent) > 1000 {
					sent = sent[len(sent)-1000:]
				}

				if *useGzip {
					body = compress(body)
				}

				req, err := http.NewRequestWithContext(ctx, http.MethodPost, *targetURL, bytes.NewReader(body))
				if err != nil {
					continue // Should not happen
				}
				req.Header.Set("Content-Type", contentType)
				if *useGzip {
					req.Header.Set("Content-Encoding", "gzip")
				}
				if *apiKey != "" {
					req.Header.Set("X-API-Key", *apiKey)
				}

				resp, err := client.Do(req)
				if err != nil {
					if ctx.Err() == nil {
						errorCount.Add(1)
					}
					continue
				}

				if resp.StatusCode == http.StatusAccepted {
					successCount.Add(1)
					eventCount.Add(int64(*batch))
				} else {
					errorCount.Add(1)
				}
				resp.Body.Close()
			}
		}(i)
	}

	wg.Wait()

	totalRequests := successCount.Load() + errorCount.Load()
	logger.Info("load test finished",
		"total_requests", totalRequests,
		"accepted", successCount.Load(),
		"errors", errorCount.Load(),
		"events", eventCount.Load(),
		"actual_rps", fmt.Sprintf("%.2f", float64(totalRequests)/duration.Seconds()),
	)
}

// buildBody returns a JSON or NDJSON body and the business ids it carries.
// A share of events reuse ids from earlier requests to exercise deduplication.
func buildBody(workerID, n int, dupRate float64, sent []string) ([]byte, string, []string) {
	var buf bytes.Buffer
	ids := make([]string, 0, n)
	enc := json.NewEncoder(&buf)
	for i := 0; i < n; i++ {
		id := uuid.NewString()
		if len(sent) > 0 && rand.Float64() < dupRate {
			id = sent[rand.IntN(len(sent))]
		}
		ids = append(ids, id)
		_ = enc.Encode(event{
			BusinessEventID: id,
			Timestamp:       time.Now().UTC(),
			Source:          "load-tester",
			Level:           levels[rand.IntN(len(levels))],
			Message:         fmt.Sprintf("load test event from worker %d", workerID),
			PartitionKey:    fmt.Sprintf("worker-%d", workerID),
			Metadata:        map[string]string{"email": "load@example.com"},
		})
	}
	if n == 1 {
		return buf.Bytes(), "application/json", ids
	}
	return buf.Bytes(), "application/x-ndjson", ids
}

func compress(body []byte) []byte {
	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	_, _ = zw.Write(body)
	_ = zw.Close()
	return out.Bytes()
}
