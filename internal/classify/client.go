// Package classify is the client for the two-stage classification
// oracle: a cheap relevance filter followed by structured field
// extraction.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/jobtrail/jobtrail/internal/config"
	"github.com/jobtrail/jobtrail/internal/model"
)

// Classifier is the oracle contract the orchestrator depends on.
// Errors never escape either stage: a relevance failure is fail-closed
// (not relevant), an extraction failure degrades to unresolved facts.
type Classifier interface {
	IsRelevant(ctx context.Context, rec model.EmailRecord) bool
	ExtractFacts(ctx context.Context, rec model.EmailRecord) model.JobFacts
}

const (
	previewLimit = 500
	bodyLimit    = 2000
)

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

func NewClient(cfg config.OracleConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

const relevancePrompt = `Is this email related to a job application process? This includes:
- Confirmation of application submission (e.g. 'thank you for applying', 'we received your application')
- Interview invitations or scheduling
- Job offers
- Rejection letters
- Application status updates
- Internships are DEFINITELY included

This does NOT include:
- General company newsletters
- Marketing emails mentioning jobs
- Job board digests (LinkedIn, Indeed, etc.)
- Emails that just mention a company name without any job application context

Email:
%s

Respond with ONLY "yes" or "no", nothing else.`

// IsRelevant is the inexpensive filter stage. Any oracle or transport
// error is treated conservatively as not relevant so a classification
// outage cannot fabricate matches.
func (c *Client) IsRelevant(ctx context.Context, rec model.EmailRecord) bool {
	preview := rec.Preview
	if preview == "" {
		preview = rec.Body
	}
	content := fmt.Sprintf("Subject: %s\nFrom: %s\nPreview: %s",
		rec.Subject, rec.Sender, truncate(preview, previewLimit))

	answer, err := c.complete(ctx,
		"You are an expert at quickly identifying job application related emails. Respond with only 'yes' or 'no'.",
		fmt.Sprintf(relevancePrompt, content),
		10, 0.1)
	if err != nil {
		c.logger.Warn("relevance check failed, treating as not relevant",
			zap.String("message_id", rec.MessageID), zap.Error(err))
		return false
	}

	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "yes")
}

const extractionPrompt = `Extract job application information from this email. The email is confirmed to be job-related.

Email:
%s

Extract and respond with a JSON object containing:
1. "company": string or null - the company name if mentioned
2. "role": string or null - the job title/position if mentioned
3. "location": string or null - the job location (city, state, country, or "Remote") if mentioned
4. "status": string - one of: "applied", "interview", "offer", "rejected", "other"
5. "confidence": float between 0.0 and 1.0
6. "notes": string or null - any additional relevant information

Only respond with valid JSON, no other text.`

// ExtractFacts is the extraction stage, called only for records the
// filter passed. It always returns syntactically valid facts:
// malformed oracle output degrades to status "other" with the parse
// error recorded in the note.
func (c *Client) ExtractFacts(ctx context.Context, rec model.EmailRecord) model.JobFacts {
	body := rec.Body
	if body == "" {
		body = rec.Preview
	}
	content := fmt.Sprintf("Subject: %s\nFrom: %s\nBody: %s",
		rec.Subject, rec.Sender, truncate(body, bodyLimit))

	answer, err := c.complete(ctx,
		"You are an expert at extracting job application information from emails. Always respond with valid JSON only.",
		fmt.Sprintf(extractionPrompt, content),
		500, 0.3)
	if err != nil {
		c.logger.Warn("fact extraction failed",
			zap.String("message_id", rec.MessageID), zap.Error(err))
		return model.JobFacts{
			Status:     model.LifecycleOther,
			Confidence: 0,
			Note:       fmt.Sprintf("oracle error: %v", err),
		}
	}

	return parseFacts(answer)
}

// parseFacts decodes the oracle's JSON answer, tolerating markdown
// code fences and out-of-range values.
func parseFacts(answer string) model.JobFacts {
	answer = stripFences(answer)

	var facts model.JobFacts
	if err := json.Unmarshal([]byte(answer), &facts); err != nil {
		return model.JobFacts{
			Status:     model.LifecycleOther,
			Confidence: 0,
			Note:       fmt.Sprintf("failed to parse oracle response: %v", err),
		}
	}

	switch facts.Status {
	case model.LifecycleApplied, model.LifecycleInterview, model.LifecycleOffer,
		model.LifecycleRejected, model.LifecycleOther:
	default:
		facts.Status = model.LifecycleOther
	}

	if facts.Confidence < 0 {
		facts.Confidence = 0
	}
	if facts.Confidence > 1 {
		facts.Confidence = 1
	}

	return facts
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	return s
}

// truncate cuts s to at most limit bytes on a rune boundary.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) complete(ctx context.Context, system, user string, maxTokens int, temperature float64) (string, error) {
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("bad status %d: %s", resp.StatusCode, string(b))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("empty response from oracle")
	}

	return result.Choices[0].Message.Content, nil
}
