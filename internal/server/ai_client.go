package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"famhealth/backend/internal/config"
)

// Model failure taxonomy. Callers branch on these with errors.Is; the
// orchestrator treats the first two as a trigger for the rule-based fallback.
var (
	ErrProviderUnavailable     = errors.New("model provider unavailable")
	ErrProviderResponseInvalid = errors.New("model provider response invalid")
	ErrUnsupportedCapability   = errors.New("model provider capability unsupported")
)

type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type InsightRequest struct {
	SystemPrompt string
	UserPrompt   string
}

type InsightResponse struct {
	Answer string
	Model  string
}

type ChatModelRequest struct {
	SystemPrompt string
	Conversation []ChatTurn
	UserPrompt   string
	// ImageData is a base64-encoded attachment, empty when none was supplied.
	ImageData string
}

type ChatModelResponse struct {
	Answer string
	Model  string
	// ImageAnalyzed is true only when the provider actually processed the
	// attachment as multimodal content, not merely because one was attached.
	ImageAnalyzed bool
}

type ModelClient interface {
	GenerateInsight(ctx context.Context, req InsightRequest) (InsightResponse, error)
	Chat(ctx context.Context, req ChatModelRequest) (ChatModelResponse, error)
}

func newModelClient(cfg config.Config) ModelClient {
	if cfg.LLMProvider == config.ProviderRemote {
		return NewVertexMedGemmaClient(cfg)
	}
	return NewOllamaClient(cfg)
}

func clientTimeout(cfg config.Config) time.Duration {
	seconds := cfg.AITimeoutSeconds
	if seconds <= 0 {
		seconds = 30
	}
	return time.Duration(seconds) * time.Second
}

// VertexMedGemmaClient talks to a MedGemma model served on a dedicated
// Vertex AI endpoint, authenticated via application default credentials.
type VertexMedGemmaClient struct {
	projectID  string
	location   string
	endpointID string
	maxTokens  int
	baseURL    string
	httpClient *http.Client

	// One client instance serves all requests, so the lazy credential
	// resolution below is guarded.
	mu             sync.Mutex
	tokenSource    oauth2.TokenSource
	newTokenSource func(ctx context.Context) (oauth2.TokenSource, error)
}

func NewVertexMedGemmaClient(cfg config.Config) *VertexMedGemmaClient {
	host := fmt.Sprintf(
		"%s.%s-%s.prediction.vertexai.goog",
		cfg.GCPEndpointID, cfg.GCPLocation, cfg.GCPProjectID,
	)
	return &VertexMedGemmaClient{
		projectID:  strings.TrimSpace(cfg.GCPProjectID),
		location:   strings.TrimSpace(cfg.GCPLocation),
		endpointID: strings.TrimSpace(cfg.GCPEndpointID),
		maxTokens:  cfg.AIMaxOutputTokens,
		baseURL:    "https://" + host,
		httpClient: &http.Client{
			Timeout: clientTimeout(cfg),
		},
	}
}

func (c *VertexMedGemmaClient) token(ctx context.Context) (string, error) {
	source, err := c.resolveTokenSource(ctx)
	if err != nil {
		return "", err
	}
	token, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("%w: google token refresh: %v", ErrProviderUnavailable, err)
	}
	return token.AccessToken, nil
}

// resolveTokenSource resolves application default credentials on first use.
// A failed resolution is retried on the next request.
func (c *VertexMedGemmaClient) resolveTokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokenSource != nil {
		return c.tokenSource, nil
	}

	newSource := c.newTokenSource
	if newSource == nil {
		newSource = func(ctx context.Context) (oauth2.TokenSource, error) {
			return google.DefaultTokenSource(ctx, "https://www.googleapis.com/auth/cloud-platform")
		}
	}
	source, err := newSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: google credentials: %v", ErrProviderUnavailable, err)
	}
	c.tokenSource = source
	return source, nil
}

type vertexContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type vertexMessage struct {
	Role    string              `json:"role"`
	Content []vertexContentPart `json:"content"`
}

func (c *VertexMedGemmaClient) predict(ctx context.Context, messages []vertexMessage) (string, string, error) {
	accessToken, err := c.token(ctx)
	if err != nil {
		return "", "", err
	}

	maxTokens := c.maxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	payload := map[string]any{
		"instances": []map[string]any{
			{
				"@requestFormat": "chatCompletions",
				"messages":       messages,
				"max_tokens":     maxTokens,
			},
		},
	}
	bodyRaw, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}

	url := fmt.Sprintf(
		"%s/v1/projects/%s/locations/%s/endpoints/%s:predict",
		c.baseURL, c.projectID, c.location, c.endpointID,
	)

	statusCode, responseBody, err := doModelRequest(ctx, c.httpClient, url, bodyRaw, map[string]string{
		"Authorization": "Bearer " + accessToken,
		"Content-Type":  "application/json",
	})
	if err != nil {
		return "", "", err
	}
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return "", "", fmt.Errorf("%w: vertex endpoint rejected credentials (%d)", ErrProviderUnavailable, statusCode)
	}
	if statusCode < 200 || statusCode >= 300 {
		return "", "", fmt.Errorf(
			"%w: vertex predict error (%d): %s",
			ErrProviderUnavailable, statusCode, truncateForLog(string(responseBody), 400),
		)
	}

	parsed := parseJSONStringMap(responseBody)
	answer := extractVertexAnswer(parsed)
	if strings.TrimSpace(answer) == "" {
		return "", "", fmt.Errorf("%w: vertex response had no choices", ErrProviderResponseInvalid)
	}
	return answer, "medgemma-vertex-ai", nil
}

func (c *VertexMedGemmaClient) GenerateInsight(ctx context.Context, req InsightRequest) (InsightResponse, error) {
	messages := []vertexMessage{
		{Role: "system", Content: []vertexContentPart{{Type: "text", Text: req.SystemPrompt}}},
		{Role: "user", Content: []vertexContentPart{{Type: "text", Text: req.UserPrompt}}},
	}
	answer, model, err := c.predict(ctx, messages)
	if err != nil {
		return InsightResponse{}, err
	}
	return InsightResponse{Answer: answer, Model: model}, nil
}

func (c *VertexMedGemmaClient) Chat(ctx context.Context, req ChatModelRequest) (ChatModelResponse, error) {
	messages := make([]vertexMessage, 0, len(req.Conversation)+2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, vertexMessage{
			Role:    "system",
			Content: []vertexContentPart{{Type: "text", Text: req.SystemPrompt}},
		})
	}
	for _, turn := range req.Conversation {
		role := strings.ToLower(strings.TrimSpace(turn.Role))
		if role != "user" && role != "assistant" {
			continue
		}
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		messages = append(messages, vertexMessage{
			Role:    role,
			Content: []vertexContentPart{{Type: "text", Text: content}},
		})
	}

	userParts := []vertexContentPart{{Type: "text", Text: req.UserPrompt}}
	hasImage := strings.TrimSpace(req.ImageData) != ""
	if hasImage {
		userParts = append(userParts, vertexContentPart{
			Type:     "image_url",
			ImageURL: "data:image/jpeg;base64," + req.ImageData,
		})
	}
	messages = append(messages, vertexMessage{Role: "user", Content: userParts})

	answer, model, err := c.predict(ctx, messages)
	if err != nil {
		return ChatModelResponse{}, err
	}
	return ChatModelResponse{Answer: answer, Model: model, ImageAnalyzed: hasImage}, nil
}

func extractVertexAnswer(data map[string]any) string {
	predictions, ok := data["predictions"].(map[string]any)
	if !ok {
		// Some endpoint versions return predictions as a list.
		list, listOK := data["predictions"].([]any)
		if !listOK || len(list) == 0 {
			return ""
		}
		predictions, ok = list[0].(map[string]any)
		if !ok {
			return ""
		}
	}
	choices, ok := predictions["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	first, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	message, ok := first["message"].(map[string]any)
	if !ok {
		return ""
	}
	return strings.TrimSpace(toString(message["content"]))
}

// OllamaClient talks to a locally served model over the Ollama generate API.
// No credentials are required.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOllamaClient(cfg config.Config) *OllamaClient {
	return &OllamaClient{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.LocalLLMURL), "/"),
		model:   strings.TrimSpace(cfg.LocalLLMModel),
		httpClient: &http.Client{
			Timeout: clientTimeout(cfg),
		},
	}
}

// multimodalLocalModel reports whether the configured local model accepts
// image inputs. Ollama ignores the images field for text-only models, which
// would silently drop the attachment, so we gate on the model family instead.
func multimodalLocalModel(model string) bool {
	lowered := strings.ToLower(strings.TrimSpace(model))
	return strings.Contains(lowered, "llava") ||
		strings.Contains(lowered, "bakllava") ||
		strings.Contains(lowered, "vision")
}

func (c *OllamaClient) generate(ctx context.Context, prompt string, imageData string) (string, error) {
	payload := map[string]any{
		"model":  c.model,
		"prompt": prompt,
		"stream": false,
		"options": map[string]any{
			"temperature": 0.7,
			"top_p":       0.9,
		},
	}
	if imageData != "" {
		payload["images"] = []string{imageData}
	}
	bodyRaw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	statusCode, responseBody, err := doModelRequest(ctx, c.httpClient, c.baseURL+"/api/generate", bodyRaw, map[string]string{
		"Content-Type": "application/json",
	})
	if err != nil {
		return "", err
	}
	if statusCode < 200 || statusCode >= 300 {
		return "", fmt.Errorf(
			"%w: local model error (%d): %s",
			ErrProviderUnavailable, statusCode, truncateForLog(string(responseBody), 400),
		)
	}

	parsed := parseJSONStringMap(responseBody)
	answer := strings.TrimSpace(toString(parsed["response"]))
	if answer == "" {
		return "", fmt.Errorf("%w: local model returned an empty response", ErrProviderResponseInvalid)
	}
	return answer, nil
}

func (c *OllamaClient) GenerateInsight(ctx context.Context, req InsightRequest) (InsightResponse, error) {
	prompt := req.UserPrompt
	if strings.TrimSpace(req.SystemPrompt) != "" {
		prompt = req.SystemPrompt + "\n\n" + req.UserPrompt
	}
	answer, err := c.generate(ctx, prompt, "")
	if err != nil {
		return InsightResponse{}, err
	}
	return InsightResponse{Answer: answer, Model: c.model}, nil
}

func (c *OllamaClient) Chat(ctx context.Context, req ChatModelRequest) (ChatModelResponse, error) {
	hasImage := strings.TrimSpace(req.ImageData) != ""
	if hasImage && !multimodalLocalModel(c.model) {
		return ChatModelResponse{}, fmt.Errorf(
			"%w: local model %q does not accept image input", ErrUnsupportedCapability, c.model,
		)
	}

	var builder strings.Builder
	if strings.TrimSpace(req.SystemPrompt) != "" {
		builder.WriteString(req.SystemPrompt)
		builder.WriteString("\n\n")
	}
	for _, turn := range req.Conversation {
		role := strings.ToLower(strings.TrimSpace(turn.Role))
		content := strings.TrimSpace(turn.Content)
		if content == "" || (role != "user" && role != "assistant") {
			continue
		}
		label := "User"
		if role == "assistant" {
			label = "Assistant"
		}
		builder.WriteString(label)
		builder.WriteString(": ")
		builder.WriteString(content)
		builder.WriteString("\n")
	}
	builder.WriteString("User: ")
	builder.WriteString(req.UserPrompt)
	builder.WriteString("\nAssistant:")

	imageData := ""
	if hasImage {
		imageData = req.ImageData
	}
	answer, err := c.generate(ctx, builder.String(), imageData)
	if err != nil {
		return ChatModelResponse{}, err
	}
	return ChatModelResponse{Answer: answer, Model: c.model, ImageAnalyzed: hasImage}, nil
}

// doModelRequest posts a JSON body and retries exactly once on transport
// failure or a 5xx, never more.
func doModelRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (int, []byte, error) {
	attempt := func() (int, []byte, error) {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		for key, value := range headers {
			request.Header.Set(key, value)
		}
		response, err := client.Do(request)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		defer response.Body.Close()
		responseBody, err := io.ReadAll(response.Body)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return response.StatusCode, responseBody, nil
	}

	statusCode, responseBody, err := attempt()
	if err == nil && statusCode < 500 {
		return statusCode, responseBody, nil
	}
	if ctx.Err() != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, ctx.Err())
	}
	return attempt()
}

func truncateForLog(value string, limit int) string {
	trimmed := strings.TrimSpace(value)
	if limit <= 0 || len(trimmed) <= limit {
		return trimmed
	}
	return trimmed[:limit] + "...(truncated)"
}

// MockModelClient is a deterministic double used by tests and local
// development without a model server.
type MockModelClient struct {
	Model         string
	InsightAnswer string
	ChatAnswer    string
	Err           error
	SupportsImage bool
}

func (m MockModelClient) name() string {
	if strings.TrimSpace(m.Model) != "" {
		return m.Model
	}
	return "mock-model"
}

func (m MockModelClient) GenerateInsight(_ context.Context, _ InsightRequest) (InsightResponse, error) {
	if m.Err != nil {
		return InsightResponse{}, m.Err
	}
	answer := m.InsightAnswer
	if answer == "" {
		answer = `{"recommendations": []}`
	}
	return InsightResponse{Answer: answer, Model: m.name()}, nil
}

func (m MockModelClient) Chat(_ context.Context, req ChatModelRequest) (ChatModelResponse, error) {
	if m.Err != nil {
		return ChatModelResponse{}, m.Err
	}
	hasImage := strings.TrimSpace(req.ImageData) != ""
	if hasImage && !m.SupportsImage {
		return ChatModelResponse{}, fmt.Errorf("%w: mock model has no image support", ErrUnsupportedCapability)
	}
	answer := m.ChatAnswer
	if answer == "" {
		answer = "Mock response: " + strings.TrimSpace(req.UserPrompt)
	}
	return ChatModelResponse{Answer: answer, Model: m.name(), ImageAnalyzed: hasImage}, nil
}
