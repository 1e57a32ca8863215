// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package llm pools provider clients behind typed endpoints. The pipeline
// asks for an endpoint (generation, solution, ocr, summary) and a provider
// name; the pool resolves the client, holds the llm gates for the duration
// of the call, and picks the right model (summaries run on the provider's
// cheaper summary model when one is declared).
package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tombee/grinder/internal/config"
	"github.com/tombee/grinder/internal/gate"
	"github.com/tombee/grinder/internal/metrics"
	"github.com/tombee/grinder/internal/store"
	"github.com/tombee/grinder/internal/tracing"
	grindererrors "github.com/tombee/grinder/pkg/errors"
	"github.com/tombee/grinder/pkg/httpclient"
	"github.com/tombee/grinder/pkg/llm"
)

// Endpoint names one kind of LLM work.
type Endpoint string

const (
	EndpointGeneration Endpoint = "generation"
	EndpointSolution   Endpoint = "solution"
	EndpointOCR        Endpoint = "ocr"
	EndpointSummary    Endpoint = "summary"
)

// capabilityFor maps endpoints onto provider capabilities.
func capabilityFor(e Endpoint) llm.Capability {
	switch e {
	case EndpointGeneration:
		return llm.CapabilityGeneration
	case EndpointSolution:
		return llm.CapabilitySolution
	case EndpointOCR:
		return llm.CapabilityOCR
	case EndpointSummary:
		return llm.CapabilitySummary
	}
	return llm.Capability(e)
}

// Request carries the variable parts of one completion call. Model
// selection is the pool's job, so there is no model field here.
type Request struct {
	System      string
	Prompt      string
	Temperature *float64
	MaxTokens   *int
}

// ProviderStore reads provider credentials. Satisfied by *store.Store.
type ProviderStore interface {
	GetProvider(ctx context.Context, name string) (*store.Provider, error)
	ListProviders(ctx context.Context) ([]*store.Provider, error)
}

// maxImageBytes bounds a statement image download before OCR.
const maxImageBytes = 10 << 20

// Pool owns provider activation and routes typed calls through the llm
// gates. One pool serves the whole daemon.
type Pool struct {
	registry *llm.Registry
	gates    *gate.Controller
	store    ProviderStore
	cfg      config.LLMConfig
	logger   *slog.Logger
	images   *http.Client

	mu            sync.Mutex
	summaryModels map[string]string
	ocrName       string
}

// NewPool creates a pool over the given registry, gates and credential
// store. Built-in provider factories must already be registered.
func NewPool(registry *llm.Registry, gates *gate.Controller, providers ProviderStore, cfg config.LLMConfig, logger *slog.Logger) (*Pool, error) {
	hc := httpclient.DefaultConfig()
	hc.Timeout = 60 * time.Second
	hc.UserAgent = "grinder-ocr-fetch"
	images, err := httpclient.New(hc)
	if err != nil {
		return nil, fmt.Errorf("failed to create image client: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		registry:      registry,
		gates:         gates,
		store:         providers,
		cfg:           cfg,
		logger:        logger.With("component", "llm-pool"),
		images:        images,
		summaryModels: make(map[string]string),
	}, nil
}

func (p *Pool) retryConfig() llm.RetryConfig {
	rc := llm.DefaultRetryConfig()
	if p.cfg.MaxRetries > 0 {
		rc.MaxRetries = p.cfg.MaxRetries
	}
	if p.cfg.RetryBackoffBase > 0 {
		rc.InitialDelay = p.cfg.RetryBackoffBase
	}
	return rc
}

func (p *Pool) timeout() time.Duration {
	if p.cfg.RequestTimeout > 0 {
		return p.cfg.RequestTimeout
	}
	return llm.DefaultTimeout
}

// Activate reads the provider's stored credentials and (re)activates its
// client. Called at startup for every enabled provider and again whenever
// an admin changes a provider's configuration.
func (p *Pool) Activate(ctx context.Context, name string) error {
	row, err := p.store.GetProvider(ctx, name)
	if err != nil {
		return err
	}
	if !row.Enabled {
		return &grindererrors.ValidationError{
			Field:      "provider",
			Message:    fmt.Sprintf("provider %s is disabled", name),
			Suggestion: "Enable the provider before using it",
		}
	}

	spec, err := llm.SpecFor(name)
	if err != nil {
		return err
	}

	_, err = p.registry.ActivateWithRetry(name, llm.Config{
		APIKey:       row.APIKey,
		BaseURL:      row.BaseURL,
		Model:        row.Model,
		SummaryModel: row.SummaryModel,
		Timeout:      p.timeout(),
	}, p.retryConfig())
	if err != nil {
		return err
	}

	summary := row.SummaryModel
	if summary == "" {
		summary = spec.DefaultSummaryModel
	}
	p.mu.Lock()
	p.summaryModels[name] = summary
	p.mu.Unlock()

	p.logger.Info("provider activated", "provider", name)
	return nil
}

// ActivateAll activates every enabled provider found in the store.
// Individual activation failures are logged and skipped so one bad
// credential does not take the rest of the pool down.
func (p *Pool) ActivateAll(ctx context.Context) error {
	rows, err := p.store.ListProviders(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if !row.Enabled {
			continue
		}
		if err := p.Activate(ctx, row.Name); err != nil {
			p.logger.Warn("provider activation failed", "provider", row.Name, "error", err)
		}
	}
	return nil
}

// Deactivate removes a provider's client, e.g. after deletion.
func (p *Pool) Deactivate(name string) {
	_ = p.registry.Deactivate(name)
	p.mu.Lock()
	delete(p.summaryModels, name)
	if p.ocrName == name {
		p.ocrName = ""
	}
	p.mu.Unlock()
}

// resolve returns the active provider for name, activating it from stored
// credentials on a miss. An empty name selects the default provider.
func (p *Pool) resolve(ctx context.Context, name string) (llm.Provider, error) {
	if name == "" {
		return p.registry.GetDefault()
	}
	prov, err := p.registry.Get(name)
	if err == nil {
		return prov, nil
	}
	if actErr := p.Activate(ctx, name); actErr != nil {
		return nil, actErr
	}
	return p.registry.Get(name)
}

// Call runs one completion through the named provider. The llm.total gate
// and the provider's own gate are held for the duration; the request is
// bounded by the configured LLM timeout.
func (p *Pool) Call(ctx context.Context, endpoint Endpoint, provider string, req Request) (*llm.CompletionResponse, error) {
	if endpoint == EndpointOCR {
		return nil, &grindererrors.ValidationError{
			Field:   "endpoint",
			Message: "OCR calls go through ReadImage",
		}
	}

	prov, err := p.resolve(ctx, provider)
	if err != nil {
		return nil, err
	}
	spec := prov.Spec()
	if !spec.HasCapability(capabilityFor(endpoint)) {
		return nil, &grindererrors.ValidationError{
			Field:   "provider",
			Message: fmt.Sprintf("provider %s does not support %s", spec.ID, endpoint),
		}
	}

	var model string
	if endpoint == EndpointSummary {
		p.mu.Lock()
		model = p.summaryModels[spec.ID]
		p.mu.Unlock()
	}

	release, err := p.gates.AcquireLLM(ctx, spec.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	callCtx, endSpan := tracing.StartLLM(callCtx, spec.ID, string(endpoint))
	resp, err := prov.Complete(callCtx, llm.CompletionRequest{
		System:      req.System,
		Prompt:      req.Prompt,
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	endSpan(err)
	if err != nil {
		metrics.RecordLLMCall(spec.ID, "error")
		p.logger.Warn("llm call failed",
			"endpoint", string(endpoint), "provider", spec.ID,
			"kind", string(grindererrors.KindOf(err)), "error", err)
		return nil, err
	}

	metrics.RecordLLMCall(spec.ID, "ok")
	metrics.RecordLLMTokens(spec.ID, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	p.logger.Debug("llm call completed",
		"endpoint", string(endpoint), "provider", spec.ID,
		"model", resp.Model, "latency", resp.Latency,
		"tokens", resp.Usage.TotalTokens)
	return resp, nil
}

// ocrProvider resolves the OCR client lazily. A deployment that never hits
// an image-only statement never needs OCR credentials; the first statement
// that does surfaces a configuration error here, not at startup.
func (p *Pool) ocrProvider(ctx context.Context) (llm.Provider, error) {
	p.mu.Lock()
	name := p.ocrName
	p.mu.Unlock()

	if name != "" {
		if prov, err := p.registry.Get(name); err == nil {
			return prov, nil
		}
	}

	rows, err := p.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if !row.Enabled {
			continue
		}
		spec, err := llm.SpecFor(row.Name)
		if err != nil || !spec.HasCapability(llm.CapabilityOCR) {
			continue
		}
		if err := p.Activate(ctx, row.Name); err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.ocrName = row.Name
		p.mu.Unlock()
		return p.registry.Get(row.Name)
	}

	return nil, &grindererrors.ConfigError{
		Key:    "providers",
		Reason: "no OCR-capable provider is configured; statement contains images that need text extraction",
	}
}

// ReadImage extracts text from one statement image. Remote images are
// downloaded and inlined as data URLs so the OCR backend never needs
// network reach into the source judge.
func (p *Pool) ReadImage(ctx context.Context, imageURL string) (string, error) {
	prov, err := p.ocrProvider(ctx)
	if err != nil {
		return "", err
	}

	vision, ok := prov.(llm.VisionCapable)
	if !ok {
		return "", &grindererrors.ProviderError{
			Provider: prov.Name(),
			Kind:     grindererrors.KindInternal,
			Message:  "provider declares OCR but has no vision implementation",
		}
	}

	url := imageURL
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		url, err = p.fetchImageDataURL(ctx, imageURL)
		if err != nil {
			return "", err
		}
	}

	release, err := p.gates.AcquireLLM(ctx, prov.Name())
	if err != nil {
		return "", err
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	text, err := vision.ReadImage(callCtx, url, ocrExtractionPrompt)
	if err != nil {
		return "", err
	}
	p.logger.Debug("ocr completed", "provider", prov.Name(), "chars", len(text))
	return text, nil
}

// fetchImageDataURL downloads an image and re-encodes it as a data URL.
func (p *Pool) fetchImageDataURL(ctx context.Context, imageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid image URL %q: %w", imageURL, err)
	}

	resp, err := p.images.Do(req)
	if err != nil {
		return "", &grindererrors.ProviderError{
			Provider: "ocr-fetch",
			Kind:     grindererrors.KindTransientNetwork,
			Message:  fmt.Sprintf("failed to download image: %v", err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &grindererrors.ProviderError{
			Provider:   "ocr-fetch",
			Kind:       grindererrors.KindFromStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("image download returned status %d", resp.StatusCode),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read image body: %w", err)
	}
	if len(data) > maxImageBytes {
		return "", &grindererrors.ValidationError{
			Field:   "image",
			Message: fmt.Sprintf("image exceeds %d bytes", maxImageBytes),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(data)
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// Test checks a provider's stored configuration. full=false validates the
// credential shape offline; full=true sends a minimal real prompt. The
// check runs on a throwaway client so a misconfigured trial never replaces
// the active one.
func (p *Pool) Test(ctx context.Context, name string, full bool) (llm.HealthCheckResult, error) {
	row, err := p.store.GetProvider(ctx, name)
	if err != nil {
		return llm.HealthCheckResult{}, err
	}

	spec, err := llm.SpecFor(name)
	if err != nil {
		return llm.HealthCheckResult{}, err
	}

	prov, err := llm.NewOpenAICompatible(spec, llm.Config{
		APIKey:  row.APIKey,
		BaseURL: row.BaseURL,
		Model:   row.Model,
		Timeout: p.timeout(),
	})
	if err != nil {
		return llm.HealthCheckResult{Message: err.Error()}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()
	return prov.HealthCheck(callCtx, full), nil
}
