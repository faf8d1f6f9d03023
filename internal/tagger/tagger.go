package tagger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/wb-go/wbf/retry"
)

const (
	defaultMaxLabels     = 20
	defaultMinConfidence = 70.0
	defaultTimeout       = 10 * time.Second

	// maxTags caps how many labels end up on a record.
	maxTags = 10
)

// Label is a single detection returned by the label-detection service.
type Label struct {
	Name       string   `json:"name"`
	Confidence float64  `json:"confidence"`
	Parents    []string `json:"parents"`
}

// Result is the confidence-filtered tag set for one image.
type Result struct {
	Tags       []string
	Confidence float64 // mean confidence across qualifying labels, 2 decimals
}

// Config holds the connection settings for the label-detection service.
type Config struct {
	Endpoint      string
	APIKey        string
	MaxLabels     int
	MinConfidence float64
	Timeout       time.Duration
}

// Client calls an external label-detection service and normalizes its
// output into a deduplicated, capped tag list.
type Client struct {
	httpClient    *http.Client
	endpoint      string
	apiKey        string
	maxLabels     int
	minConfidence float64
	strategy      retry.Strategy
}

// New creates a Client with the given configuration and retry strategy.
func New(cfg Config, strategy retry.Strategy) *Client {
	if cfg.MaxLabels <= 0 {
		cfg.MaxLabels = defaultMaxLabels
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = defaultMinConfidence
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Client{
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		endpoint:      cfg.Endpoint,
		apiKey:        cfg.APIKey,
		maxLabels:     cfg.MaxLabels,
		minConfidence: cfg.MinConfidence,
		strategy:      strategy,
	}
}

type detectRequest struct {
	Bucket        string  `json:"bucket"`
	Key           string  `json:"key"`
	MaxLabels     int     `json:"max_labels"`
	MinConfidence float64 `json:"min_confidence"`
}

type detectResponse struct {
	Labels []Label `json:"labels"`
}

// DetectTags asks the service to label the stored object and filters the
// response. The returned error is informational: callers treat any failure
// as "no enrichment available" and must not fail processing because of it.
func (c *Client) DetectTags(ctx context.Context, bucket, key string) (Result, error) {
	labels, err := c.detect(ctx, bucket, key)
	if err != nil {
		return Result{}, err
	}

	return filterLabels(labels, c.minConfidence), nil
}

// detect performs the HTTP call with retries on transport failures.
func (c *Client) detect(ctx context.Context, bucket, key string) ([]Label, error) {
	body, err := json.Marshal(detectRequest{
		Bucket:        bucket,
		Key:           key,
		MaxLabels:     c.maxLabels,
		MinConfidence: c.minConfidence,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal detect request: %w", err)
	}

	var labels []Label
	err = retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build detect request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("call label detection: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("label detection returned status %d", resp.StatusCode)
		}

		var decoded detectResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("decode detect response: %w", err)
		}

		labels = decoded.Labels

		return nil
	}, c.strategy)
	if err != nil {
		return nil, err
	}

	return labels, nil
}

// filterLabels keeps labels at or above the confidence threshold,
// lower-cases them, folds in parent categories without duplicates, caps
// the list and computes the mean confidence over qualifying labels.
func filterLabels(labels []Label, minConfidence float64) Result {
	var (
		tags  []string
		seen  = make(map[string]struct{})
		total float64
		count int
	)

	add := func(tag string) {
		if _, ok := seen[tag]; ok {
			return
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}

	for _, label := range labels {
		if label.Name == "" || label.Confidence < minConfidence {
			continue
		}

		add(strings.ToLower(label.Name))
		total += label.Confidence
		count++

		for _, parent := range label.Parents {
			if parent != "" {
				add(strings.ToLower(parent))
			}
		}
	}

	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}

	var confidence float64
	if count > 0 {
		confidence = math.Round(total/float64(count)*100) / 100
	}

	return Result{Tags: tags, Confidence: confidence}
}
