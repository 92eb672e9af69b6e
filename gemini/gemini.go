package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/apex/log"

	"ecosentinel/classifier"
	"ecosentinel/models"
	"ecosentinel/parser"
)

const promptSystem = `
You are **EcoSentinel Validator**, a vision-enabled expert that verifies citizen photo reports of environmental threats.

For every input (image ± location ± text) you MUST:

Step 1: Decide whether the photo is an authentic, first-hand capture of a real outdoor scene. Screenshots, re-photographed screens, stock imagery, heavy editing or AI-generated content are NOT authentic.
Step 2: If authentic, classify the environmental threat shown into exactly one category:
- deforestation (clearing, logging, burning of tree cover)
- pollution (litter, waste dumping, sewage, oil, smoke plumes)
- encroachment (unauthorized construction, landfill, aquaculture in protected land)
- ecosystem_stress (algal blooms, pest damage, die-offs, drought stress)
- other (environmental harm not covered above)
- none_detected (no environmental threat visible)
Step 3: Output a **single, valid JSON object** and nothing else.

OUTPUT SCHEMA
{
  "authentic":  <true | false>,
  "category":   "<deforestation | pollution | encroachment | ecosystem_stress | other | none_detected>",
  "confidence": <0.0-1.0>,
  "notes":      "<1-2 sentences of reasoning quoting concrete visual evidence>"
}

If LOCATION_CONTEXT is provided, use it only to sanity-check plausibility (e.g. a mangrove die-off at an inland desert coordinate is suspicious).
JSON only - no wrapping markdown.
`

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type geminiRequest struct {
	Contents []content `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text,omitempty"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

const defaultEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent?key=%s"

// Client is the Gemini vision API gateway. It owns the request timeout and
// the bounded retry policy; it never touches any ledger.
type Client struct {
	apiKey      string
	model       string
	http        *http.Client
	endpoint    string
	maxAttempts int
	backoff     time.Duration
	sleep       func(time.Duration)
}

// NewClient creates a Gemini client. timeout bounds each individual request;
// maxAttempts caps attempts for transient failures (minimum 1); backoff is
// the base of the exponential backoff between attempts.
func NewClient(apiKey, model string, timeout time.Duration, maxAttempts int, backoff time.Duration) *Client {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Client{
		apiKey:      apiKey,
		model:       model,
		http:        &http.Client{Timeout: timeout},
		endpoint:    defaultEndpoint,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		sleep:       time.Sleep,
	}
}

func (c *Client) SourceName() string {
	return "Gemini"
}

// Classify implements classifier.Client.
func (c *Client) Classify(ctx context.Context, image []byte, locationHint, description string) (*models.Verdict, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("empty image: %w", classifier.ErrRejected)
	}

	prompt := promptSystem
	if locationHint != "" {
		prompt += "\n\nLOCATION_CONTEXT: " + locationHint
	}

	parts := []part{{Text: prompt}}
	if description != "" {
		parts = append(parts, part{Text: description})
	}
	parts = append(parts, part{
		InlineData: &inlineData{
			MimeType: "image/jpeg",
			Data:     base64.StdEncoding.EncodeToString(image),
		},
	})

	reqBody := geminiRequest{
		Contents: []content{
			{
				Role:  "user",
				Parts: parts,
			},
		},
	}

	text, err := c.generateContent(ctx, reqBody)
	if err != nil {
		return nil, err
	}

	verdict, err := parser.ParseVerdict(text)
	if err != nil {
		log.Errorf("Gemini returned unparseable verdict: %v", err)
		return nil, fmt.Errorf("normalize response: %v: %w", err, classifier.ErrRejected)
	}
	return verdict, nil
}

// generateContent POSTs the request, retrying transient failures with
// exponential backoff up to maxAttempts. Quota and client errors are
// returned immediately.
func (c *Client) generateContent(ctx context.Context, body geminiRequest) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %v: %w", err, classifier.ErrRejected)
	}

	url := fmt.Sprintf(c.endpoint, c.model, c.apiKey)

	var lastErr error
	wait := c.backoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			c.sleep(wait)
			wait *= 2
		}

		text, err := c.doRequest(ctx, url, data)
		if err == nil {
			return text, nil
		}
		lastErr = err

		// Only transport failures and 5xx responses are worth another attempt.
		if !isTransient(err) {
			return "", err
		}
		log.Warnf("Gemini call failed (attempt %d/%d): %v", attempt, c.maxAttempts, err)
	}
	return "", lastErr
}

func (c *Client) doRequest(ctx context.Context, url string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return "", fmt.Errorf("create request: %v: %w", err, classifier.ErrRejected)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %v: %w", err, classifier.ErrUnavailable)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %v: %w", err, classifier.ErrUnavailable)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("API status %d: %w", resp.StatusCode, classifier.ErrQuotaExceeded)
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("API status %d: %s: %w", resp.StatusCode, string(bodyBytes), classifier.ErrUnavailable)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("API status %d: %s: %w", resp.StatusCode, string(bodyBytes), classifier.ErrRejected)
	}

	var gr geminiResponse
	if err := json.Unmarshal(bodyBytes, &gr); err != nil {
		return "", fmt.Errorf("parse response: %v: %w", err, classifier.ErrRejected)
	}
	if len(gr.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response: %w", classifier.ErrRejected)
	}
	for _, p := range gr.Candidates[0].Content.Parts {
		if p.Text != "" {
			return p.Text, nil
		}
	}
	return "", fmt.Errorf("no text part in response: %w", classifier.ErrRejected)
}

func isTransient(err error) bool {
	return errors.Is(err, classifier.ErrUnavailable)
}
