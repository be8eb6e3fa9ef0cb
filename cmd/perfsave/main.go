package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ent0n29/memories/internal/capture"
	"github.com/ent0n29/memories/internal/observability"
	"github.com/ent0n29/memories/internal/queue"
	"github.com/ent0n29/memories/internal/remote"
)

type options struct {
	baseURL     string
	userID      string
	saves       int
	concurrency int
	photoKB     int
	replay      bool
	timeout     time.Duration
	texts       []string
	verbose     bool
}

var defaultTexts = []string{
	"we walked along the harbour and the gulls were loud",
	"first snow of the year, the kids built a lopsided snowman",
	"grandpa's pocket watch still ticks if you wind it gently",
	"dinner on the balcony with the neighbours until midnight",
}

type saveSample struct {
	latency      time.Duration
	deduplicated bool
	err          error
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfsave: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfsave: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	fs := flag.NewFlagSet("perfsave", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "memories server base URL")
	fs.StringVar(&cfg.userID, "user-id", "perf-replay", "user id the synthetic memories belong to")
	fs.IntVar(&cfg.saves, "saves", 20, "number of memories to save")
	fs.IntVar(&cfg.concurrency, "concurrency", 4, "saves in flight at once")
	fs.IntVar(&cfg.photoKB, "photo-kb", 0, "attach a synthetic photo of this many KiB to every save (0 = none)")
	fs.BoolVar(&cfg.replay, "replay", true, "save every memory a second time and expect deduplication")
	fs.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "timeout per save")
	fs.StringVar(&textsRaw, "texts", "", "memory texts separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print every save")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.saves <= 0 {
		return options{}, fmt.Errorf("saves must be > 0")
	}
	if cfg.concurrency <= 0 || cfg.concurrency > 64 {
		return options{}, fmt.Errorf("concurrency must be in [1,64]")
	}
	if cfg.photoKB < 0 {
		return options{}, fmt.Errorf("photo-kb must be >= 0")
	}

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultTexts...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty memories")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	var photo string
	if cfg.photoKB > 0 {
		dir, err := os.MkdirTemp("", "perfsave-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		photo = filepath.Join(dir, "synthetic.jpg")
		if err := os.WriteFile(photo, make([]byte, cfg.photoKB<<10), 0o600); err != nil {
			return err
		}
	}

	items := buildItems(cfg, photo, time.Now())
	client := remote.NewClient(cfg.baseURL, cfg.timeout)

	fmt.Printf("perfsave: saves=%d concurrency=%d photo_kb=%d\n", cfg.saves, cfg.concurrency, cfg.photoKB)
	first := saveAll(ctx, client, items, cfg)
	printSummary("first save", first)
	if cfg.replay {
		second := saveAll(ctx, client, items, cfg)
		printSummary("replay", second)
		for _, s := range second {
			if s.err == nil && !s.deduplicated {
				return fmt.Errorf("replayed save was not deduplicated")
			}
		}
	}
	return printServerStages(ctx, cfg.baseURL)
}

func buildItems(cfg options, photo string, now time.Time) []queue.QueuedMemory {
	items := make([]queue.QueuedMemory, 0, cfg.saves)
	for i := 0; i < cfg.saves; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		item := queue.QueuedMemory{
			Version:    queue.CurrentVersion,
			LocalID:    ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
			UserID:     cfg.userID,
			MemoryType: capture.MemoryTypeMoment,
			InputText:  &text,
			Tags:       []string{"perf"},
			CapturedAt: now,
			CreatedAt:  now,
			Status:     queue.StatusQueued,
		}
		if photo != "" {
			item.PhotoPaths = []string{photo}
		}
		items = append(items, item)
	}
	return items
}

func saveAll(ctx context.Context, client *remote.Client, items []queue.QueuedMemory, cfg options) []saveSample {
	samples := make([]saveSample, len(items))
	sem := make(chan struct{}, cfg.concurrency)
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			started := time.Now()
			res, err := client.Save(ctx, item)
			samples[i] = saveSample{latency: time.Since(started), deduplicated: res.Deduplicated, err: err}
			if cfg.verbose {
				fmt.Printf("perfsave: %s -> %s in %s (err=%v)\n", item.LocalID, res.MemoryID, samples[i].latency.Round(time.Millisecond), err)
			}
		}()
	}
	wg.Wait()
	return samples
}

type latencySummary struct {
	Count  int
	Errors int
	P50    time.Duration
	P95    time.Duration
	Max    time.Duration
}

func summarize(samples []saveSample) latencySummary {
	var out latencySummary
	latencies := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		out.Count++
		if s.err != nil {
			out.Errors++
			continue
		}
		latencies = append(latencies, s.latency)
	}
	if len(latencies) == 0 {
		return out
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	out.P50 = percentile(latencies, 0.50)
	out.P95 = percentile(latencies, 0.95)
	out.Max = latencies[len(latencies)-1]
	return out
}

// percentile uses nearest rank on sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted))*p+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printSummary(label string, samples []saveSample) {
	s := summarize(samples)
	fmt.Printf("perfsave: %s count=%d errors=%d p50=%s p95=%s max=%s\n",
		label, s.Count, s.Errors, s.P50.Round(time.Millisecond), s.P95.Round(time.Millisecond), s.Max.Round(time.Millisecond))
}

func printServerStages(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch server latency: %w", err)
	}
	defer resp.Body.Close()
	var snap observability.StageSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decode server latency: %w", err)
	}
	for _, st := range snap.Stages {
		fmt.Printf("perfsave: server %-14s n=%d p50=%.1fms p95=%.1fms\n", st.Stage, st.Samples, st.P50MS, st.P95MS)
	}
	return nil
}
