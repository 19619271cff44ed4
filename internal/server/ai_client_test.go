package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func testOllamaClient(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

func TestOllamaClientGenerateInsight(t *testing.T) {
	t.Parallel()

	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if r.URL.Path != "/api/generate" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("failed to decode request payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"local answer"}`))
	}))
	defer server.Close()

	client := testOllamaClient(server.URL, "medllama2")
	resp, err := client.GenerateInsight(context.Background(), InsightRequest{
		SystemPrompt: "system text",
		UserPrompt:   "user text",
	})
	if err != nil {
		t.Fatalf("generate insight failed: %v", err)
	}
	if resp.Answer != "local answer" {
		t.Fatalf("unexpected answer: %q", resp.Answer)
	}
	if resp.Model != "medllama2" {
		t.Fatalf("unexpected model: %q", resp.Model)
	}

	if received["stream"] != false {
		t.Fatalf("expected stream=false, got %v", received["stream"])
	}
	prompt, _ := received["prompt"].(string)
	if !strings.Contains(prompt, "system text") || !strings.Contains(prompt, "user text") {
		t.Fatalf("expected system and user text in prompt, got: %s", prompt)
	}
	if _, hasImages := received["images"]; hasImages {
		t.Fatalf("expected no images field for text-only insight")
	}
}

func TestOllamaClientRetriesOnceOnServerError(t *testing.T) {
	t.Parallel()

	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt32(&attempts, 1)
		w.Header().Set("Content-Type", "application/json")
		if current == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"busy"}`))
			return
		}
		_, _ = w.Write([]byte(`{"response":"retry ok"}`))
	}))
	defer server.Close()

	client := testOllamaClient(server.URL, "medllama2")
	resp, err := client.GenerateInsight(context.Background(), InsightRequest{UserPrompt: "hello"})
	if err != nil {
		t.Fatalf("expected retry to succeed, got err=%v", err)
	}
	if resp.Answer != "retry ok" {
		t.Fatalf("unexpected answer: %q", resp.Answer)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestOllamaClientPersistentServerErrorIsUnavailable(t *testing.T) {
	t.Parallel()

	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := testOllamaClient(server.URL, "medllama2")
	_, err := client.GenerateInsight(context.Background(), InsightRequest{UserPrompt: "hello"})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", got)
	}
}

func TestOllamaClientConnectionRefusedIsUnavailable(t *testing.T) {
	t.Parallel()

	client := testOllamaClient("http://127.0.0.1:1", "medllama2")
	_, err := client.GenerateInsight(context.Background(), InsightRequest{UserPrompt: "hello"})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestOllamaClientEmptyResponseIsInvalid(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"   "}`))
	}))
	defer server.Close()

	client := testOllamaClient(server.URL, "medllama2")
	_, err := client.GenerateInsight(context.Background(), InsightRequest{UserPrompt: "hello"})
	if !errors.Is(err, ErrProviderResponseInvalid) {
		t.Fatalf("expected ErrProviderResponseInvalid, got %v", err)
	}
}

func TestOllamaClientRejectsImageOnTextOnlyModel(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("text-only model must not reach the server with an image")
	}))
	defer server.Close()

	client := testOllamaClient(server.URL, "medllama2")
	_, err := client.Chat(context.Background(), ChatModelRequest{
		UserPrompt: "what is this?",
		ImageData:  "aGVsbG8=",
	})
	if !errors.Is(err, ErrUnsupportedCapability) {
		t.Fatalf("expected ErrUnsupportedCapability, got %v", err)
	}
}

func TestOllamaClientChatWithImageOnMultimodalModel(t *testing.T) {
	t.Parallel()

	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("failed to decode request payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"the image shows a lab report"}`))
	}))
	defer server.Close()

	client := testOllamaClient(server.URL, "llava:13b")
	resp, err := client.Chat(context.Background(), ChatModelRequest{
		SystemPrompt: "be careful",
		Conversation: []ChatTurn{
			{Role: "user", Content: "earlier question"},
			{Role: "assistant", Content: "earlier answer"},
		},
		UserPrompt: "what does this show?",
		ImageData:  "aGVsbG8=",
	})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if !resp.ImageAnalyzed {
		t.Fatalf("expected ImageAnalyzed=true for multimodal model")
	}

	images, ok := received["images"].([]any)
	if !ok || len(images) != 1 || images[0] != "aGVsbG8=" {
		t.Fatalf("expected base64 image in payload, got %v", received["images"])
	}
	prompt, _ := received["prompt"].(string)
	if !strings.Contains(prompt, "User: earlier question") ||
		!strings.Contains(prompt, "Assistant: earlier answer") {
		t.Fatalf("expected transcript in prompt, got: %s", prompt)
	}
	if !strings.HasSuffix(strings.TrimSpace(prompt), "Assistant:") {
		t.Fatalf("expected prompt to end with assistant cue, got: %s", prompt)
	}
}

func TestMultimodalLocalModel(t *testing.T) {
	for _, model := range []string{"llava", "LLaVA:13b", "bakllava", "qwen-vision"} {
		if !multimodalLocalModel(model) {
			t.Fatalf("expected %q to be multimodal", model)
		}
	}
	for _, model := range []string{"medllama2", "mistral", ""} {
		if multimodalLocalModel(model) {
			t.Fatalf("expected %q to be text-only", model)
		}
	}
}

func testVertexClient(baseURL string) *VertexMedGemmaClient {
	return &VertexMedGemmaClient{
		projectID:  "proj",
		location:   "us-central1",
		endpointID: "1234",
		maxTokens:  512,
		baseURL:    baseURL,
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
		tokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}),
	}
}

func TestVertexClientGenerateInsight(t *testing.T) {
	t.Parallel()

	var received map[string]any
	var authHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		authHeader = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/projects/proj/locations/us-central1/endpoints/1234:predict" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("failed to decode request payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"predictions": {
				"choices": [{"message": {"content": "vertex answer"}}]
			}
		}`))
	}))
	defer server.Close()

	client := testVertexClient(server.URL)
	resp, err := client.GenerateInsight(context.Background(), InsightRequest{
		SystemPrompt: "system text",
		UserPrompt:   "user text",
	})
	if err != nil {
		t.Fatalf("generate insight failed: %v", err)
	}
	if resp.Answer != "vertex answer" {
		t.Fatalf("unexpected answer: %q", resp.Answer)
	}
	if resp.Model != "medgemma-vertex-ai" {
		t.Fatalf("unexpected model: %q", resp.Model)
	}
	if authHeader != "Bearer test-token" {
		t.Fatalf("unexpected auth header: %q", authHeader)
	}

	instances, ok := received["instances"].([]any)
	if !ok || len(instances) != 1 {
		t.Fatalf("expected a single instance, got %v", received["instances"])
	}
	instance, _ := instances[0].(map[string]any)
	if instance["@requestFormat"] != "chatCompletions" {
		t.Fatalf("expected chatCompletions request format, got %v", instance["@requestFormat"])
	}
	if got := int(extractNumber(instance["max_tokens"])); got != 512 {
		t.Fatalf("expected max_tokens=512, got %d", got)
	}
}

func TestVertexClientChatAttachesImagePart(t *testing.T) {
	t.Parallel()

	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("failed to decode request payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"predictions": [{"choices": [{"message": {"content": "image answer"}}]}]
		}`))
	}))
	defer server.Close()

	client := testVertexClient(server.URL)
	resp, err := client.Chat(context.Background(), ChatModelRequest{
		SystemPrompt: "sys",
		UserPrompt:   "what is this?",
		ImageData:    "aGVsbG8=",
	})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if resp.Answer != "image answer" {
		t.Fatalf("unexpected answer: %q", resp.Answer)
	}
	if !resp.ImageAnalyzed {
		t.Fatalf("expected ImageAnalyzed=true")
	}

	raw, err := json.Marshal(received)
	if err != nil {
		t.Fatalf("marshal received payload: %v", err)
	}
	if !strings.Contains(string(raw), "data:image/jpeg;base64,aGVsbG8=") {
		t.Fatalf("expected data URL image part in payload: %s", raw)
	}
}

func TestVertexClientTokenSourceInitIsConcurrencySafe(t *testing.T) {
	t.Parallel()

	var inits int32
	client := &VertexMedGemmaClient{
		newTokenSource: func(ctx context.Context) (oauth2.TokenSource, error) {
			atomic.AddInt32(&inits, 1)
			return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "concurrent-token"}), nil
		},
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := client.token(context.Background())
			if err != nil {
				errs <- err
				return
			}
			if token != "concurrent-token" {
				errs <- fmt.Errorf("unexpected token %q", token)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent token fetch failed: %v", err)
	}
	if got := atomic.LoadInt32(&inits); got != 1 {
		t.Fatalf("expected a single credential resolution, got %d", got)
	}
}

func TestVertexClientTokenSourceFailureIsRetried(t *testing.T) {
	t.Parallel()

	var attempts int32
	client := &VertexMedGemmaClient{
		newTokenSource: func(ctx context.Context) (oauth2.TokenSource, error) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return nil, errors.New("credentials not ready")
			}
			return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "late-token"}), nil
		},
	}

	if _, err := client.token(context.Background()); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable on first resolution, got %v", err)
	}
	token, err := client.token(context.Background())
	if err != nil {
		t.Fatalf("expected second resolution to succeed: %v", err)
	}
	if token != "late-token" {
		t.Fatalf("unexpected token: %q", token)
	}
}

func TestVertexClientRejectedCredentialsIsUnavailable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := testVertexClient(server.URL)
	_, err := client.GenerateInsight(context.Background(), InsightRequest{UserPrompt: "hello"})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestVertexClientMissingChoicesIsInvalid(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"predictions": {"choices": []}}`))
	}))
	defer server.Close()

	client := testVertexClient(server.URL)
	_, err := client.GenerateInsight(context.Background(), InsightRequest{UserPrompt: "hello"})
	if !errors.Is(err, ErrProviderResponseInvalid) {
		t.Fatalf("expected ErrProviderResponseInvalid, got %v", err)
	}
}

func TestExtractVertexAnswerShapes(t *testing.T) {
	asMap := parseJSONStringMap([]byte(`{
		"predictions": {"choices": [{"message": {"content": " padded "}}]}
	}`))
	if got := extractVertexAnswer(asMap); got != "padded" {
		t.Fatalf("unexpected answer from map predictions: %q", got)
	}

	asList := parseJSONStringMap([]byte(`{
		"predictions": [{"choices": [{"message": {"content": "listed"}}]}]
	}`))
	if got := extractVertexAnswer(asList); got != "listed" {
		t.Fatalf("unexpected answer from list predictions: %q", got)
	}

	if got := extractVertexAnswer(map[string]any{}); got != "" {
		t.Fatalf("expected empty answer for missing predictions, got %q", got)
	}
}

func TestMockModelClientImageSupport(t *testing.T) {
	unsupported := MockModelClient{}
	if _, err := unsupported.Chat(context.Background(), ChatModelRequest{
		UserPrompt: "hi",
		ImageData:  "aGVsbG8=",
	}); !errors.Is(err, ErrUnsupportedCapability) {
		t.Fatalf("expected ErrUnsupportedCapability from mock, got %v", err)
	}

	supported := MockModelClient{SupportsImage: true}
	resp, err := supported.Chat(context.Background(), ChatModelRequest{
		UserPrompt: "hi",
		ImageData:  "aGVsbG8=",
	})
	if err != nil {
		t.Fatalf("mock chat failed: %v", err)
	}
	if !resp.ImageAnalyzed {
		t.Fatalf("expected ImageAnalyzed=true")
	}
}

func extractNumber(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
