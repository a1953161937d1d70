// Package main records real upstream responses for the contract tests.
// Usage:
//
//	go run ./cmd/recordguide -config=config.yaml \
//	  -kind=block \
//	  -output=tests/contract/testdata/grid_block.json
//
//	go run ./cmd/recordguide -kind=series -series-id=SH012345670000 \
//	  -output=tests/contract/testdata/series_details.json
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"guidefetch/config"
	"guidefetch/internal/core"
	"guidefetch/internal/guide"
	"guidefetch/internal/httpclient"
	"guidefetch/internal/upstream"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	kind := flag.String("kind", "block", "What to record (block, series)")
	seriesID := flag.String("series-id", "", "Series to record when -kind=series")
	output := flag.String("output", "", "Output file path (required)")
	flag.Parse()

	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: -output flag is required")
		flag.Usage()
		os.Exit(1)
	}

	loaded, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	cfg := loaded.Config

	enumerator, err := guide.NewEnumerator(guide.Lineup{
		LineupID:    cfg.Guide.LineupID,
		Country:     cfg.Guide.Country,
		PostalCode:  cfg.Guide.PostalCode,
		AffiliateID: cfg.Guide.AffiliateID,
	}, cfg.Guide.GridURL, cfg.Guide.DetailsURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var target core.Target
	switch *kind {
	case "block":
		target = enumerator.Blocks(time.Now(), 1)[0]
	case "series":
		if *seriesID == "" {
			fmt.Fprintln(os.Stderr, "Error: -series-id is required for -kind=series")
			os.Exit(1)
		}
		target = enumerator.Entities([]string{*seriesID})[0]
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown kind %q\n", *kind)
		os.Exit(1)
	}

	hc := httpclient.DefaultConfig()
	hc.Timeout = cfg.HTTP.Timeout
	hc.ResponseHeaderTimeout = cfg.HTTP.ResponseHeaderTimeout

	upCfg := upstream.DefaultConfig()
	upCfg.UserAgents = cfg.Fetch.UserAgents
	if u, err := url.Parse(cfg.Guide.GridURL); err == nil {
		upCfg.Origin = u.Scheme + "://" + u.Host
		upCfg.Referer = upCfg.Origin + "/"
	}
	client := upstream.New(httpclient.NewHTTPClient(&hc), upCfg)

	fmt.Printf("Fetching %s...\n", target.Key.String())
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	body, err := client.Fetch(ctx, core.NewTask(target, 0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error fetching %s: %v\n", target.Key.String(), err)
		os.Exit(1)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(body)
	}
	if err := writeOutput(*output, pretty.Bytes()); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Response saved to %s (%d bytes)\n", *output, pretty.Len())
	if target.Key.Category == core.CategoryBlock {
		fmt.Printf("Series referenced: %d\n", len(guide.SeriesIDs(body)))
	}
}

// writeOutput writes data to the output file, creating directories as needed.
func writeOutput(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
