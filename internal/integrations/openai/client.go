// Package openai adapts an OpenAI-compatible backend to the collaborator
// contracts the conversation core consumes: chat completion, speech
// recognition, speech synthesis and embeddings.
package openai

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

	goopenai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/singleflight"

	"crm-agent/internal/domain"
	"crm-agent/internal/speech"
)

const (
	defaultBaseURL  = "https://api.openai.com/v1"
	keyFetchTimeout = 10 * time.Second
)

// tokenPayload is the expected JSON shape stored in the parameter store.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Op         string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.Op, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// SpeechConfig selects the voice models.
type SpeechConfig struct {
	STTModel string
	Language string
	TTSModel string
	Voice    string
}

// Client is a lazily-authenticated OpenAI-compatible client. The API key is
// fetched from the parameter store on first use; a failed fetch is retried on
// the next call.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	getter         Getter
	paramPrefix    string
	speech         SpeechConfig
	embeddingModel string

	keyFetch singleflight.Group
	mu       sync.Mutex
	api      *goopenai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithSpeech(sc SpeechConfig) Option {
	return func(c *Client) {
		c.speech = sc
	}
}

func WithEmbeddingModel(model string) Option {
	return func(c *Client) {
		c.embeddingModel = strings.TrimSpace(model)
	}
}

// NewClient creates a Client whose API key lives at <paramPrefix>/open-ai-token.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
		speech: SpeechConfig{
			STTModel: goopenai.Whisper1,
			TTSModel: string(goopenai.TTSModel1),
			Voice:    string(goopenai.VoiceAlloy),
		},
		embeddingModel: string(goopenai.SmallEmbedding3),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	return c, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

// client returns the API client, fetching the key on first use. Concurrent
// first callers share one fetch, which runs outside c.mu and is not bound to
// any single caller's deadline; each caller waits only as long as its ctx
// allows. A failed fetch is retried on the next call.
func (c *Client) client(ctx context.Context) (*goopenai.Client, error) {
	c.mu.Lock()
	api := c.api
	c.mu.Unlock()
	if api != nil {
		return api, nil
	}

	ch := c.keyFetch.DoChan("client", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), keyFetchTimeout)
		defer cancel()
		apiKey, err := fetchAPIKey(fetchCtx, c.getter, c.tokenParameterName())
		if err != nil {
			return nil, err
		}
		cfg := goopenai.DefaultConfig(apiKey)
		cfg.BaseURL = c.baseURL
		cfg.HTTPClient = c.httpClient

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.api == nil {
			c.api = goopenai.NewClientWithConfig(cfg)
		}
		return c.api, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*goopenai.Client), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("openai: waiting for API key: %w", ctx.Err())
	}
}

// Chat runs a single chat completion and returns the first choice's content.
func (c *Client) Chat(ctx context.Context, model string, temperature float32, maxTokens int, messages []domain.ChatMessage) (string, error) {
	if strings.TrimSpace(model) == "" {
		return "", errors.New("openai: model must not be empty")
	}
	api, err := c.client(ctx)
	if err != nil {
		return "", err
	}

	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", wrapAPIError("chat/completions", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Completer binds a model and sampling settings so callers only pass messages.
type Completer struct {
	client      *Client
	model       string
	temperature float32
	maxTokens   int
}

func (c *Client) Completer(model string, temperature float32, maxTokens int) *Completer {
	return &Completer{client: c, model: model, temperature: temperature, maxTokens: maxTokens}
}

func (m *Completer) Complete(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	return m.client.Chat(ctx, m.model, m.temperature, m.maxTokens, messages)
}

// Transcribe sends an audio payload to the speech recognition endpoint. The
// upload is named after the sniffed container so the backend decodes it.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("openai: empty audio")
	}
	api, err := c.client(ctx)
	if err != nil {
		return "", err
	}
	resp, err := api.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    c.speech.STTModel,
		FilePath: speech.DetectContainer(audio).FileName(),
		Reader:   bytes.NewReader(audio),
		Language: c.speech.Language,
		Format:   goopenai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", wrapAPIError("audio/transcriptions", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// Synthesize renders text as WAV audio.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("openai: empty synthesis input")
	}
	api, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := api.CreateSpeech(ctx, goopenai.CreateSpeechRequest{
		Model:          goopenai.SpeechModel(c.speech.TTSModel),
		Input:          text,
		Voice:          goopenai.SpeechVoice(c.speech.Voice),
		ResponseFormat: goopenai.SpeechResponseFormatWav,
	})
	if err != nil {
		return nil, wrapAPIError("audio/speech", err)
	}
	defer func() { _ = resp.Close() }()

	audio, err := io.ReadAll(io.LimitReader(resp, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("openai: read speech body: %w", err)
	}
	return audio, nil
}

// Embed returns one vector per input, in input order.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	api, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := api.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: inputs,
		Model: goopenai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, wrapAPIError("embeddings", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("openai: expected %d embeddings, got %d", len(inputs), len(resp.Data))
	}
	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai: embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func wrapAPIError(op string, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, Op: op, Body: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, Op: op, Body: body}
	}
	return fmt.Errorf("openai: %s: %w", op, err)
}

func fetchAPIKey(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", errors.New("openai: API token is empty")
	}
	return strings.TrimSpace(tp.Token), nil
}
