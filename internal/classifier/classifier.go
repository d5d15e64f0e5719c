// Package classifier is a client for a Presidio-style named entity analyzer.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned when the analyzer cannot be reached or the
// breaker in front of it is open.
var ErrUnavailable = errors.New("classifier unavailable")

// Entity is one recognized span. Start and End are character offsets.
type Entity struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

// Analyzer recognizes entities in text.
type Analyzer interface {
	Analyze(ctx context.Context, text, language string, threshold float64) ([]Entity, error)
}

type analyzeRequest struct {
	Text           string  `json:"text"`
	Language       string  `json:"language"`
	ScoreThreshold float64 `json:"score_threshold"`
}

// Client calls the analyzer over HTTP behind a circuit breaker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New creates a client for the analyzer rooted at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "classifier",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state changed",
					"name", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
	}
}

// Analyze posts text to {baseURL}/analyze and returns the recognized entities.
func (c *Client) Analyze(ctx context.Context, text, language string, threshold float64) ([]Entity, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.analyze(ctx, text, language, threshold)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return result.([]Entity), nil
}

func (c *Client) analyze(ctx context.Context, text, language string, threshold float64) ([]Entity, error) {
	body, err := json.Marshal(analyzeRequest{
		Text:           text,
		Language:       language,
		ScoreThreshold: threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode analyze request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("analyzer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var entities []Entity
	if err := json.NewDecoder(resp.Body).Decode(&entities); err != nil {
		return nil, fmt.Errorf("failed to decode analyze response: %w", err)
	}
	return entities, nil
}
