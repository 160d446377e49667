package stages

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ChatConfig configures an OpenAI-compatible chat completions endpoint.
type ChatConfig struct {
	Provider     string
	APIKey       string
	BaseURL      string
	Model        string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	Temperature  float64
}

// ChatExecutor runs stages against a chat completions API. A failed or
// unusable model response falls back to template content for that file, so
// Execute only fails when ctx ends.
type ChatExecutor struct {
	cfg        ChatConfig
	httpClient *http.Client
	fallback   *TemplateExecutor
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewChatExecutor creates a chat executor. Zero config fields take the
// DeepSeek defaults.
func NewChatExecutor(cfg ChatConfig, logger *slog.Logger) *ChatExecutor {
	if cfg.Provider == "" {
		cfg.Provider = "deepseek"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepseek.com"
	}
	if cfg.Model == "" {
		cfg.Model = "deepseek-chat"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	return &ChatExecutor{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		fallback:   NewTemplateExecutor(),
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// Provider names the executor in timeline events.
func (c *ChatExecutor) Provider() string { return c.cfg.Provider }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// APIError is a non-2xx response from the chat endpoint.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat: api status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) retriable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Complete sends one chat completion and returns the trimmed content.
// Transport errors, 429 and 5xx responses are retried up to MaxRetries
// times with linear backoff.
func (c *ChatExecutor) Complete(ctx context.Context, messages []ChatMessage, maxTokens int) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("chat: at least one message is required")
	}
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return "", errors.New("chat: api key is not configured")
	}
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat: marshal request: %w", err)
	}

	attempts := c.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		content, err := c.send(ctx, body)
		if err == nil {
			return content, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.retriable() {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempt < attempts {
			c.logger.Warn("chat: request failed, retrying",
				"provider", c.cfg.Provider, "model", c.cfg.Model,
				"attempt", attempt, "max_attempts", attempts, "error", err)
			if err := c.sleep(ctx, c.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("chat: request failed after %d attempt(s): %w", attempts, lastErr)
}

func (c *ChatExecutor) send(ctx context.Context, body []byte) (string, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("chat: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("chat: read response: %w", err)
	}

	var result chatResponse
	decodeErr := json.Unmarshal(raw, &result)

	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && result.Error != nil && result.Error.Message != "" {
			msg = result.Error.Message
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return "", fmt.Errorf("chat: response is not valid JSON: %w", decodeErr)
	}
	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return "", errors.New("chat: response missing choices[0].message.content")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

// Execute implements Executor.
func (c *ChatExecutor) Execute(ctx context.Context, req Request) (Output, error) {
	tmpl, err := c.fallback.Execute(ctx, Request{Topic: req.Topic, RunID: req.RunID, Step: req.Step})
	if err != nil {
		return Output{}, err
	}

	kind := req.Step.Kind()
	spec := stageSpecs[kind]
	upstream := upstreamBlock(req)

	if kind != KindExperiment {
		content, err := c.generate(ctx, req, spec.policy, upstream, spec.task, spec.maxTokens, false)
		if err != nil {
			return Output{}, err
		}
		out := tmpl
		out.Files = []File{tmpl.Files[0]}
		if content != "" {
			out.Files[0].Content = []byte(content)
		}
		return out, nil
	}

	// Experiment: structured results first, then a report grounded in them.
	var results Results
	if err := json.Unmarshal(tmpl.Files[0].Content, &results); err != nil {
		return Output{}, fmt.Errorf("stages: decode template results: %w", err)
	}
	raw, err := c.generate(ctx, req, resultsPolicy, upstream, resultsTask, 900, true)
	if err != nil {
		return Output{}, err
	}
	if raw != "" {
		results = mergeResults(results, raw)
	}
	resultsJSON, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return Output{}, fmt.Errorf("stages: encode results: %w", err)
	}

	reportUpstream := upstream + "\n\n<results_json>\n" + string(resultsJSON) + "\n</results_json>"
	report, err := c.generate(ctx, req, spec.policy, reportUpstream, spec.task, spec.maxTokens, false)
	if err != nil {
		return Output{}, err
	}
	if report == "" {
		report = fallbackReport(TopicLanguage(req.Topic), req.Topic, results.Metrics)
	}

	out := tmpl
	out.Metrics = results.Metrics
	out.Files = []File{tmpl.Files[0], tmpl.Files[1]}
	out.Files[0].Content = resultsJSON
	out.Files[1].Content = []byte(report)
	return out, nil
}

// generate runs one model call and returns its content, or "" when the
// caller should use template content. Only a finished ctx is an error.
func (c *ChatExecutor) generate(ctx context.Context, req Request, policy, upstream, task string, maxTokens int, wantJSON bool) (string, error) {
	prompt := BuildPrompt(PromptInput{
		SystemPolicy: policy,
		Upstream:     upstream,
		Task:         task,
		RunID:        req.RunID,
		History:      req.History,
	})
	req.report(CallReport{Provider: c.cfg.Provider, Phase: CallRequest, MessageCount: len(prompt), MaxTokens: maxTokens})

	content, err := c.Complete(ctx, prompt, maxTokens)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.logger.Warn("chat: call failed, using template content",
			"topic_id", req.Topic.ID, "run_id", req.RunID, "agent_id", req.Step.Agent, "error", err)
		req.report(CallReport{Provider: c.cfg.Provider, Phase: CallFallback, Err: err})
		return "", nil
	}

	content = StripFence(content)
	switch {
	case content == "":
		req.report(CallReport{Provider: c.cfg.Provider, Phase: CallFallback, Err: errors.New("model returned empty content")})
		return "", nil
	case wantJSON && ParseJSONObject(content) == nil:
		req.report(CallReport{Provider: c.cfg.Provider, Phase: CallFallback, Err: errors.New("model response is not valid JSON")})
		return "", nil
	}
	req.report(CallReport{Provider: c.cfg.Provider, Phase: CallResponse})
	return content, nil
}

func upstreamBlock(req Request) string {
	var b strings.Builder
	b.WriteString(TopicAnchor(req.Topic))
	for _, d := range req.Upstream {
		fmt.Fprintf(&b, "\n\n<upstream_document agent=%q step=%q name=%q>\n%s\n</upstream_document>",
			d.Agent, d.Step, d.Name, d.Content)
	}
	return b.String()
}

// mergeResults overlays the model's JSON onto the template results, keeping
// template values for missing or mistyped keys.
func mergeResults(base Results, raw string) Results {
	obj := ParseJSONObject(raw)
	if obj == nil {
		return base
	}
	if s, ok := obj["topicTitle"].(string); ok && s != "" {
		base.TopicTitle = s
	}
	if m, ok := obj["metrics"].(map[string]any); ok && len(m) > 0 {
		base.Metrics = m
	}
	if s, ok := obj["notes"].(string); ok {
		base.Notes = s
	}
	if list, ok := obj["next_actions"].([]any); ok {
		actions := make([]string, 0, len(list))
		for _, v := range list {
			if s, ok := v.(string); ok && s != "" {
				actions = append(actions, s)
			}
		}
		if len(actions) > 0 {
			base.NextActions = actions
		}
	}
	return base
}

// StripFence removes a surrounding markdown code fence.
func StripFence(content string) string {
	text := strings.TrimSpace(content)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) >= 2 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
	}
	return text
}

// ParseJSONObject decodes content as a JSON object, falling back to the
// outermost {...} span. It returns nil when neither parses.
func ParseJSONObject(content string) map[string]any {
	raw := StripFence(content)
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil && obj != nil {
		return obj
	}
	start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return nil
	}
	obj = nil
	if err := json.Unmarshal([]byte(raw[start:end+1]), &obj); err != nil {
		return nil
	}
	return obj
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ Executor = (*ChatExecutor)(nil)
var _ Executor = (*TemplateExecutor)(nil)
