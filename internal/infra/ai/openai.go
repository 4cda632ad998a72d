package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/catalogsync/internal/core/domain"
)

// Config holds OpenAI-compatible provider settings.
type Config struct {
	Provider          string // pricing key
	BaseURL           string
	APIKey            string
	ChatModel         string
	EmbeddingModel    string
	RequestsPerSecond float64
	Timeout           time.Duration
	WebSearch         bool
}

// OpenAIClient implements Client against /chat/completions and /embeddings.
type OpenAIClient struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewOpenAIClient creates a provider client.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &OpenAIClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(limit, max(1, int(cfg.RequestsPerSecond))),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type webSearchOptions struct {
	SearchContextSize string `json:"search_context_size,omitempty"`
}

type chatRequest struct {
	Model            string            `json:"model"`
	Messages         []chatMessage     `json:"messages"`
	ResponseFormat   map[string]any    `json:"response_format,omitempty"`
	WebSearchOptions *webSearchOptions `json:"web_search_options,omitempty"`
}

type usagePayload struct {
	PromptTokens        int64 `json:"prompt_tokens"`
	CompletionTokens    int64 `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content     string `json:"content"`
			Annotations []struct {
				Type        string `json:"type"`
				URLCitation struct {
					URL   string `json:"url"`
					Title string `json:"title"`
				} `json:"url_citation"`
			} `json:"annotations"`
		} `json:"message"`
	} `json:"choices"`
	Usage usagePayload `json:"usage"`
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage usagePayload `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Classify maps text onto one of categories.
func (c *OpenAIClient) Classify(ctx context.Context, text string, categories []string) (Classification, error) {
	system := "You classify e-commerce products. Reply with a JSON object " +
		`{"category": string, "confidence": number between 0 and 1}.`
	if len(categories) > 0 {
		system += " The category must be exactly one of: " + strings.Join(categories, ", ") + "."
	}

	var resp chatResponse
	err := c.post(ctx, "/chat/completions", chatRequest{
		Model: c.cfg.ChatModel,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: text},
		},
		ResponseFormat: map[string]any{"type": "json_object"},
	}, &resp)
	if err != nil {
		return Classification{}, err
	}

	content, err := firstContent(resp)
	if err != nil {
		return Classification{}, err
	}
	var out struct {
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(stripFences(content)), &out); err != nil {
		return Classification{}, c.invalid("decode classification: %w", err)
	}

	category, ok := matchCategory(out.Category, categories)
	if !ok {
		return Classification{}, c.invalid("category %q outside taxonomy", out.Category)
	}

	return Classification{
		Category:   category,
		Confidence: out.Confidence,
		Usage:      c.usage(resp.Model, c.cfg.ChatModel, resp.Usage),
	}, nil
}

// Describe writes a product title and description, optionally grounded with web search.
func (c *OpenAIClient) Describe(ctx context.Context, p Product) (Description, error) {
	prompt, err := json.Marshal(map[string]any{
		"title":       p.Title,
		"description": p.Description,
		"vendor":      p.Vendor,
		"tags":        p.Tags,
		"category":    p.Category,
	})
	if err != nil {
		return Description{}, c.invalid("encode product: %w", err)
	}

	req := chatRequest{
		Model: c.cfg.ChatModel,
		Messages: []chatMessage{
			{Role: "system", Content: "You write concise, factual e-commerce copy. Reply with a JSON object " +
				`{"title": string, "description": string}. Do not invent specifications.`},
			{Role: "user", Content: string(prompt)},
		},
	}
	if c.cfg.WebSearch {
		req.WebSearchOptions = &webSearchOptions{SearchContextSize: "low"}
	} else {
		req.ResponseFormat = map[string]any{"type": "json_object"}
	}

	var resp chatResponse
	if err := c.post(ctx, "/chat/completions", req, &resp); err != nil {
		return Description{}, err
	}
	content, err := firstContent(resp)
	if err != nil {
		return Description{}, err
	}

	var out struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(stripFences(content)), &out); err != nil {
		// search-grounded models may answer in prose
		out.Title = p.Title
		out.Description = strings.TrimSpace(content)
	}
	if out.Description == "" {
		return Description{}, c.invalid("empty description")
	}
	if out.Title == "" {
		out.Title = p.Title
	}

	var sources []string
	seen := make(map[string]struct{})
	for _, a := range resp.Choices[0].Message.Annotations {
		if a.Type != "url_citation" || a.URLCitation.URL == "" {
			continue
		}
		if _, dup := seen[a.URLCitation.URL]; dup {
			continue
		}
		seen[a.URLCitation.URL] = struct{}{}
		sources = append(sources, a.URLCitation.URL)
	}

	return Description{
		Title:   out.Title,
		Text:    out.Description,
		Sources: sources,
		Usage:   c.usage(resp.Model, c.cfg.ChatModel, resp.Usage),
	}, nil
}

// Embed returns the embedding vector for text.
func (c *OpenAIClient) Embed(ctx context.Context, text string) (Embedding, error) {
	var resp embeddingResponse
	if err := c.post(ctx, "/embeddings", embeddingRequest{Model: c.cfg.EmbeddingModel, Input: text}, &resp); err != nil {
		return Embedding{}, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return Embedding{}, c.invalid("empty embedding response")
	}
	return Embedding{
		Vector: resp.Data[0].Embedding,
		Usage:  c.usage(resp.Model, c.cfg.EmbeddingModel, resp.Usage),
	}, nil
}

func (c *OpenAIClient) post(ctx context.Context, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return c.invalid("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(data))
	if err != nil {
		return c.invalid("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.NewFault(domain.SourceProvider, domain.KindUnreachable, fmt.Errorf("%s: %w", path, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewFault(domain.SourceProvider, domain.KindUnreachable, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(respBody))
		var er errorResponse
		if json.Unmarshal(respBody, &er) == nil && er.Error.Message != "" {
			msg = er.Error.Message
		}
		return domain.StatusFault(domain.SourceProvider, resp.StatusCode, msg)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return c.invalid("parse response: %w", err)
	}
	return nil
}

func (c *OpenAIClient) usage(reported, configured string, u usagePayload) domain.Usage {
	model := reported
	if model == "" {
		model = configured
	}
	cached := min(u.PromptTokensDetails.CachedTokens, u.PromptTokens)
	return domain.Usage{
		Provider:          c.cfg.Provider,
		Model:             model,
		InputTokens:       u.PromptTokens - cached,
		CachedInputTokens: cached,
		OutputTokens:      u.CompletionTokens,
	}
}

func (c *OpenAIClient) invalid(format string, args ...any) error {
	return domain.NewFault(domain.SourceProvider, domain.KindInvalid, fmt.Errorf(format, args...))
}

func firstContent(resp chatResponse) (string, error) {
	if len(resp.Choices) == 0 {
		return "", domain.NewFault(domain.SourceProvider, domain.KindInvalid, fmt.Errorf("no choices in response"))
	}
	return resp.Choices[0].Message.Content, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func matchCategory(got string, categories []string) (string, bool) {
	got = strings.TrimSpace(got)
	if len(categories) == 0 {
		return got, got != ""
	}
	for _, c := range categories {
		if strings.EqualFold(c, got) {
			return c, true
		}
	}
	return "", false
}
