package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/grinder/pkg/errors"
	"github.com/tombee/grinder/pkg/httpclient"
)

// DefaultTimeout bounds one completion call unless configured otherwise.
// Reasoner models routinely think for minutes.
const DefaultTimeout = 5 * time.Minute

// OCR calls use fixed sampling: extraction wants determinism, not
// creativity, and statement images rarely exceed a few thousand tokens.
const (
	ocrMaxTokens   = 16000
	ocrTemperature = 0.2
	ocrTopP        = 0.8
)

// OpenAICompatible talks to any backend implementing the OpenAI chat
// completion protocol. DeepSeek, OpenAI itself and SiliconFlow all resolve
// to this one implementation with different specs and configs; reasoner
// responses carry the extra reasoning_content field, which is surfaced on
// CompletionResponse.Reasoning.
type OpenAICompatible struct {
	spec       ProviderSpec
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatible builds a provider for the given spec. Empty config
// fields fall back to the spec's defaults.
func NewOpenAICompatible(spec ProviderSpec, cfg Config) (*OpenAICompatible, error) {
	if cfg.APIKey == "" {
		return nil, &errors.ConfigError{
			Key:    spec.ID + ".api_key",
			Reason: "API key is required",
		}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = spec.DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = spec.DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	hc := httpclient.DefaultConfig()
	hc.Timeout = timeout
	hc.UserAgent = "grinder-llm/" + spec.ID
	// Retries are handled by the retry wrapper, which understands provider
	// error kinds.
	hc.RetryAttempts = 0

	client, err := httpclient.New(hc)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	return &OpenAICompatible{
		spec:       spec,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: client,
	}, nil
}

// Name returns the provider identifier.
func (p *OpenAICompatible) Name() string { return p.spec.ID }

// Spec returns the provider's static definition.
func (p *OpenAICompatible) Spec() ProviderSpec { return p.spec }

// Model returns the model requests run against by default.
func (p *OpenAICompatible) Model() string { return p.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends a chat completion request and returns the full response.
func (p *OpenAICompatible) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	requestID := uuid.New().String()

	if req.Prompt == "" {
		return nil, &errors.ValidationError{
			Field:      "prompt",
			Message:    "completion request must have a prompt",
			Suggestion: "Provide a non-empty prompt",
		}
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	apiReq := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      false,
	}
	if req.MaxTokens != nil {
		apiReq.MaxTokens = *req.MaxTokens
	}

	start := time.Now()
	apiResp, err := p.doRequest(ctx, &apiReq, requestID)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)

	if len(apiResp.Choices) == 0 {
		return nil, &errors.ProviderError{
			Provider:  p.spec.ID,
			Kind:      errors.KindBadResponse,
			Message:   "response has no choices",
			RequestID: requestID,
		}
	}

	msg := apiResp.Choices[0].Message
	respModel := apiResp.Model
	if respModel == "" {
		respModel = model
	}

	return &CompletionResponse{
		Content:   msg.Content,
		Reasoning: msg.ReasoningContent,
		Usage: TokenUsage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:  apiResp.Usage.TotalTokens,
		},
		Model:     respModel,
		Provider:  p.spec.ID,
		RequestID: requestID,
		Latency:   latency,
		Created:   time.Now(),
	}, nil
}

// ReadImage sends one image with an extraction prompt and returns the
// recognized text. The image URL may be a data URL or a fetchable https
// URL, depending on what the backend accepts.
func (p *OpenAICompatible) ReadImage(ctx context.Context, imageURL, prompt string) (string, error) {
	requestID := uuid.New().String()

	if imageURL == "" {
		return "", &errors.ValidationError{
			Field:   "image_url",
			Message: "OCR request must have an image",
		}
	}

	content := []any{
		map[string]any{
			"type": "image_url",
			"image_url": map[string]any{
				"url":    imageURL,
				"detail": "high",
			},
		},
		map[string]any{
			"type": "text",
			"text": prompt,
		},
	}

	temp := ocrTemperature
	topP := ocrTopP
	apiReq := chatRequest{
		Model:       p.model,
		Messages:    []chatMessage{{Role: "user", Content: content}},
		MaxTokens:   ocrMaxTokens,
		Temperature: &temp,
		TopP:        &topP,
		Stream:      false,
	}

	apiResp, err := p.doRequest(ctx, &apiReq, requestID)
	if err != nil {
		return "", err
	}
	if len(apiResp.Choices) == 0 {
		return "", &errors.ProviderError{
			Provider:  p.spec.ID,
			Kind:      errors.KindBadResponse,
			Message:   "OCR response has no choices",
			RequestID: requestID,
		}
	}
	return apiResp.Choices[0].Message.Content, nil
}

// HealthCheck verifies the provider's configuration. A shape check (full =
// false) stays offline; a full check sends a one-word prompt and reports
// round-trip latency.
func (p *OpenAICompatible) HealthCheck(ctx context.Context, full bool) HealthCheckResult {
	result := HealthCheckResult{Model: p.model}

	if p.apiKey == "" {
		result.Message = "API key is not configured"
		return result
	}
	if u, err := url.Parse(p.baseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		result.Message = fmt.Sprintf("base URL %q is not a valid http(s) URL", p.baseURL)
		return result
	}
	result.Configured = true

	if !full {
		result.OK = true
		result.Message = "credentials look valid (no network check)"
		return result
	}

	maxTokens := 8
	start := time.Now()
	_, err := p.Complete(ctx, CompletionRequest{
		Prompt:    "ping",
		MaxTokens: &maxTokens,
	})
	result.Latency = time.Since(start)
	if err != nil {
		result.Message = err.Error()
		return result
	}
	result.Reachable = true
	result.OK = true
	result.Message = "provider responded"
	return result
}

// doRequest posts a chat completion request and decodes the response,
// mapping failures onto classified provider errors.
func (p *OpenAICompatible) doRequest(ctx context.Context, apiReq *chatRequest, requestID string) (*chatResponse, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  p.spec.ID,
			Kind:      errors.KindInternal,
			Message:   fmt.Sprintf("failed to marshal request: %v", err),
			RequestID: requestID,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  p.spec.ID,
			Kind:      errors.KindInternal,
			Message:   fmt.Sprintf("failed to create request: %v", err),
			RequestID: requestID,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, p.transportError(err, requestID)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:   p.spec.ID,
			Kind:       errors.KindTransientNetwork,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to read response: %v", err),
			RequestID:  requestID,
		}
	}

	if resp.StatusCode != http.StatusOK {
		kind := errors.KindFromStatus(resp.StatusCode)
		message := fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, truncateBody(respBody))
		var errResp chatErrorResponse
		if jsonErr := json.Unmarshal(respBody, &errResp); jsonErr == nil && errResp.Error.Message != "" {
			message = errResp.Error.Message
		}
		return nil, &errors.ProviderError{
			Provider:   p.spec.ID,
			Kind:       kind,
			StatusCode: resp.StatusCode,
			Message:    message,
			Suggestion: suggestionForStatus(resp.StatusCode),
			RequestID:  requestID,
		}
	}

	var apiResp chatResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &errors.ProviderError{
			Provider:  p.spec.ID,
			Kind:      errors.KindBadResponse,
			Message:   fmt.Sprintf("failed to parse response: %v", err),
			RequestID: requestID,
		}
	}
	return &apiResp, nil
}

// transportError classifies a failed round trip: deadline overruns become
// timeouts, everything else is transient network trouble.
func (p *OpenAICompatible) transportError(err error, requestID string) error {
	kind := errors.KindTransientNetwork
	if urlErr, ok := err.(*url.Error); ok && urlErr.Timeout() {
		kind = errors.KindTimeout
	}
	return &errors.ProviderError{
		Provider:  p.spec.ID,
		Kind:      kind,
		Message:   fmt.Sprintf("request failed: %v", err),
		RequestID: requestID,
	}
}

func suggestionForStatus(statusCode int) string {
	switch statusCode {
	case http.StatusUnauthorized:
		return "Check that your API key is valid and correctly configured"
	case http.StatusForbidden:
		return "Your API key may not have access to this model"
	case http.StatusTooManyRequests:
		return "Rate limit exceeded; calls back off automatically, consider lowering llm concurrency"
	case http.StatusBadRequest:
		return "Review the model name and request parameters"
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return "The provider is experiencing issues; retry after a short delay"
	default:
		return "Check the provider's API documentation for details"
	}
}

func truncateBody(body []byte) string {
	const max = 512
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// RegisterBuiltins registers a factory for every built-in provider spec.
func RegisterBuiltins(r *Registry) error {
	for _, spec := range Specs() {
		spec := spec
		err := r.RegisterFactory(spec.ID, func(cfg Config) (Provider, error) {
			return NewOpenAICompatible(spec, cfg)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
