package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zamer-sys/avito-articulum-parser/internal/db"
	"github.com/zamer-sys/avito-articulum-parser/internal/util"
)

// ProviderError marks a transport or protocol failure of the AI endpoint.
// It is never an item-level verdict: the caller rolls the articulum back so
// the whole validation reruns later.
type ProviderError struct {
	Message string
	Cause   error
}

func (e ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ai provider: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("ai provider: %s", e.Message)
}

func (e ProviderError) Unwrap() error {
	return e.Cause
}

func (e ProviderError) Is(target error) bool {
	var t *ProviderError
	ok := errors.As(target, &t)
	return ok
}

// ListingPayload is one item as sent to the model. Title and snippet are
// truncated so a large articulum stays within one request.
type ListingPayload struct {
	Id      string   `json:"id"`
	Title   string   `json:"title"`
	Snippet string   `json:"snippet,omitempty"`
	Price   *float64 `json:"price"`
}

type RejectedItem struct {
	Id     string `json:"id"`
	Reason string `json:"reason"`
}

// Decision is the model's verdict over one articulum's listings.
type Decision struct {
	Passed   []string       `json:"passed"`
	Rejected []RejectedItem `json:"rejected"`
}

// Provider validates all listings of one articulum in a single call.
type Provider interface {
	Validate(ctx context.Context, articulum string, items []ListingPayload) (*Decision, error)
}

const (
	maxTitleLen   = 100
	maxSnippetLen = 200
)

// NewListingPayloads converts listings to the bounded wire form.
func NewListingPayloads(listings []*db.CatalogListingModel) []ListingPayload {
	payloads := make([]ListingPayload, 0, len(listings))
	for _, listing := range listings {
		payloads = append(payloads, ListingPayload{
			Id:      listing.AvitoItemId,
			Title:   util.Truncate(listing.Title, maxTitleLen),
			Snippet: util.Truncate(listing.SnippetText, maxSnippetLen),
			Price:   listing.Price,
		})
	}

	return payloads
}

const systemPrompt = `You review marketplace listings found when searching for a specific part number.
A listing passes only when it plausibly sells the new, original part with that number.
Reject counterfeits, used items, incompatible parts and unrelated products.

Respond with JSON only, no other text:
{"passed": ["id", ...], "rejected": [{"id": "id", "reason": "short reason"}, ...]}`

// ChatProvider talks to an OpenAI-compatible chat completions endpoint.
type ChatProvider struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

var _ Provider = (*ChatProvider)(nil)

func NewChatProvider(endpoint, model, apiKey string) *ChatProvider {
	return &ChatProvider{
		endpoint: endpoint,
		model:    model,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *ChatProvider) Validate(ctx context.Context, articulum string, items []ListingPayload) (*Decision, error) {
	if c.endpoint == "" || c.model == "" {
		return nil, &ProviderError{Message: "chat provider misconfigured"}
	}

	userPayload, err := json.Marshal(map[string]any{
		"articulum": articulum,
		"listings":  items,
	})
	if err != nil {
		return nil, &ProviderError{Message: "marshal request", Cause: err}
	}

	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": string(userPayload)},
		},
	})
	if err != nil {
		return nil, &ProviderError{Message: "marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Message: "new request", Cause: err}
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Message: "send request", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &ProviderError{Message: fmt.Sprintf("endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(detail)))}
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, &ProviderError{Message: "decode response", Cause: err}
	}
	if len(completion.Choices) == 0 {
		return nil, &ProviderError{Message: "empty choices in response"}
	}

	content := cleanJsonResponse(completion.Choices[0].Message.Content)

	decision := new(Decision)
	if err = json.Unmarshal([]byte(content), decision); err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("parse verdict %q", util.Truncate(content, 200)), Cause: err}
	}

	return decision, nil
}

// cleanJsonResponse strips markdown code fences some models wrap JSON in.
func cleanJsonResponse(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	return strings.TrimSpace(content)
}
