package main

import (
	"errors"
	"testing"
	"time"
)

func TestParseFlagsSplitsTexts(t *testing.T) {
	cfg, err := parseFlags([]string{"-base-url", "http://localhost:9000/", "-texts", " one | |two ", "-saves", "3"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.baseURL != "http://localhost:9000" {
		t.Fatalf("baseURL = %q", cfg.baseURL)
	}
	if len(cfg.texts) != 2 || cfg.texts[0] != "one" || cfg.texts[1] != "two" {
		t.Fatalf("texts = %q, want [one two]", cfg.texts)
	}
}

func TestParseFlagsValidates(t *testing.T) {
	for _, args := range [][]string{
		{"-saves", "0"},
		{"-concurrency", "100"},
		{"-photo-kb", "-1"},
		{"-texts", " | "},
	} {
		if _, err := parseFlags(args); err == nil {
			t.Fatalf("parseFlags(%q) error = nil, want error", args)
		}
	}
}

func TestBuildItemsUniqueLocalIDs(t *testing.T) {
	cfg := options{userID: "u", saves: 50, texts: []string{"a", "b"}}
	items := buildItems(cfg, "/tmp/p.jpg", time.Now())
	seen := map[string]bool{}
	for _, item := range items {
		if len(item.LocalID) != 26 {
			t.Fatalf("LocalID %q is not a ULID", item.LocalID)
		}
		if seen[item.LocalID] {
			t.Fatalf("duplicate LocalID %q", item.LocalID)
		}
		seen[item.LocalID] = true
		if len(item.PhotoPaths) != 1 {
			t.Fatalf("PhotoPaths = %v", item.PhotoPaths)
		}
	}
	if *items[1].InputText != "b" || *items[2].InputText != "a" {
		t.Fatalf("texts are not cycled")
	}
}

func TestSummarize(t *testing.T) {
	var samples []saveSample
	for i := 1; i <= 20; i++ {
		samples = append(samples, saveSample{latency: time.Duration(i) * time.Millisecond})
	}
	samples = append(samples, saveSample{err: errors.New("offline")})

	s := summarize(samples)
	if s.Count != 21 || s.Errors != 1 {
		t.Fatalf("count=%d errors=%d, want 21/1", s.Count, s.Errors)
	}
	if s.P50 != 10*time.Millisecond {
		t.Fatalf("P50 = %s, want 10ms", s.P50)
	}
	if s.P95 != 19*time.Millisecond {
		t.Fatalf("P95 = %s, want 19ms", s.P95)
	}
	if s.Max != 20*time.Millisecond {
		t.Fatalf("Max = %s, want 20ms", s.Max)
	}
}
