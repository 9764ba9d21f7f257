package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// ErrNoMatch is returned when no candidate reaches the service's own floor.
var ErrNoMatch = errors.New("faceclient: no matching subject")

// Candidate is one enrolled subject offered to the matcher.
type Candidate struct {
	SubjectID  string      `json:"subject_id"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Match is the best candidate with a confidence in [0, 100].
type Match struct {
	SubjectID  string  `json:"subject_id"`
	Confidence float64 `json:"confidence"`
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable timeout.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // Face processing can take time
		},
	}
}

// Compare identifies probe against candidates. With Skip set the match is
// computed locally by cosine similarity.
func (c *Client) Compare(ctx context.Context, probe []float32, candidates []Candidate) (Match, error) {
	if len(probe) == 0 {
		return Match{}, fmt.Errorf("probe embedding required")
	}
	if len(candidates) == 0 {
		return Match{}, ErrNoMatch
	}
	if c.Skip {
		return BestMatch(probe, candidates)
	}

	body, err := json.Marshal(map[string]interface{}{
		"embedding":  probe,
		"candidates": candidates,
	})
	if err != nil {
		return Match{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/compare", bytes.NewReader(body))
	if err != nil {
		return Match{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Match{}, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Match{}, ErrNoMatch
	}
	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return Match{}, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		SubjectID  string  `json:"subject_id"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Match{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.SubjectID == "" {
		return Match{}, ErrNoMatch
	}
	return Match{SubjectID: out.SubjectID, Confidence: out.Confidence}, nil
}

// BestMatch picks the candidate whose closest embedding has the highest
// cosine similarity to probe. Confidence is the similarity scaled to 0..100,
// negative similarities clamp to zero.
func BestMatch(probe []float32, candidates []Candidate) (Match, error) {
	best := Match{Confidence: -1}
	for _, cand := range candidates {
		for _, emb := range cand.Embeddings {
			sim, ok := cosine(probe, emb)
			if !ok {
				continue
			}
			score := math.Max(0, sim) * 100
			if score > best.Confidence {
				best = Match{SubjectID: cand.SubjectID, Confidence: score}
			}
		}
	}
	if best.SubjectID == "" {
		return Match{}, ErrNoMatch
	}
	return best, nil
}

func cosine(a, b []float32) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}
