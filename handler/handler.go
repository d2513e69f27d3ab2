// Package handler adapts API Gateway proxy requests to the conversation
// orchestrator. The same Handler serves Lambda and the standalone server.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"crm-agent/internal/metrics"
	"crm-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// Conversation is the orchestrator surface the transport needs.
type Conversation interface {
	HandleText(ctx context.Context, key, query string) (usecase.TextResult, error)
	HandleVoice(ctx context.Context, key string, audio []byte) (usecase.VoiceResult, error)
	Recognize(ctx context.Context, audio []byte) (usecase.RecognizeResult, error)
	History(ctx context.Context, key string) (usecase.HistoryResult, error)
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// HealthInfo is reported verbatim by GET /health.
type HealthInfo struct {
	LLMModel         string `json:"llm_model"`
	ClassifierModel  string `json:"classifier_model"`
	STTModel         string `json:"stt_model"`
	TTSModel         string `json:"tts_model"`
	RAGEnabled       bool   `json:"rag_enabled"`
	WebSearchEnabled bool   `json:"web_search_enabled"`
}

type Handler struct {
	uc             Conversation
	health         HealthInfo
	requestTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

type Option func(*Handler)

func WithHealth(info HealthInfo) Option {
	return func(h *Handler) {
		h.health = info
	}
}

// WithRequestTimeout bounds every request so dependency timeouts surface as
// typed errors before an upstream proxy gives up.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.requestTimeout = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHandler(uc Conversation, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: conversation usecase must not be nil")
	}
	h := &Handler{uc: uc, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type textRequest struct {
	PhoneNumber string `json:"phone_number"`
	Query       string `json:"query"`
}

type voiceRequest struct {
	PhoneNumber string `json:"phone_number"`
	AudioBase64 string `json:"audio_base64"`
}

type envelope struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

type textResponse struct {
	UserID            string `json:"user_id"`
	IsNewUser         bool   `json:"is_new_user"`
	Intent            string `json:"intent"`
	IntentDescription string `json:"intent_description"`
	Response          string `json:"response"`
	Channel           string `json:"channel"`
	Timestamp         string `json:"timestamp"`
}

type voiceResponse struct {
	textResponse
	RecognizedText string `json:"recognized_text"`
	AudioBase64    string `json:"audio_base64,omitempty"`
}

type recognizeResponse struct {
	RecognizedText string `json:"recognized_text"`
	Timestamp      string `json:"timestamp"`
}

type turnResponse struct {
	Seq               int    `json:"seq"`
	Channel           string `json:"channel"`
	Query             string `json:"query"`
	Intent            string `json:"intent"`
	IntentDescription string `json:"intent_description"`
	Response          string `json:"response"`
	Timestamp         string `json:"timestamp"`
}

type historyResponse struct {
	PhoneNumber         string         `json:"phone_number"`
	UserID              string         `json:"user_id"`
	ConversationHistory []turnResponse `json:"conversation_history"`
}

type healthResponse struct {
	Status string `json:"status"`
	HealthInfo
}

// Handle routes one API Gateway proxy request. Errors are always rendered
// into the response; the returned error is reserved for the Lambda runtime.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID)

	if h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}
	route, resp := h.route(ctx, logger, req)
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers[correlationHeader] = correlationID

	metrics.RequestCount.WithLabelValues(req.HTTPMethod, route, strconv.Itoa(resp.StatusCode)).Inc()
	metrics.RequestDuration.WithLabelValues(req.HTTPMethod, route).Observe(time.Since(start).Seconds())
	logger.Info("request handled", "method", req.HTTPMethod, "route", route, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}

func (h *Handler) route(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest) (string, events.APIGatewayProxyResponse) {
	path := strings.TrimRight(req.Path, "/")
	switch {
	case path == "/chat/text":
		return "chat_text", h.onlyMethod(req, http.MethodPost, func() events.APIGatewayProxyResponse {
			return h.chatText(ctx, logger, req)
		})
	case path == "/chat/voice":
		return "chat_voice", h.onlyMethod(req, http.MethodPost, func() events.APIGatewayProxyResponse {
			return h.chatVoice(ctx, logger, req)
		})
	case path == "/voice/recognize":
		return "voice_recognize", h.onlyMethod(req, http.MethodPost, func() events.APIGatewayProxyResponse {
			return h.recognize(ctx, logger, req)
		})
	case path == "/tts/generate":
		return "tts_generate", h.onlyMethod(req, http.MethodGet, func() events.APIGatewayProxyResponse {
			return h.synthesize(ctx, logger, req)
		})
	case path == "/health":
		return "health", h.onlyMethod(req, http.MethodGet, func() events.APIGatewayProxyResponse {
			return h.success(http.StatusOK, "ok", healthResponse{Status: "healthy", HealthInfo: h.health})
		})
	case isHistoryPath(path):
		return "user_history", h.onlyMethod(req, http.MethodGet, func() events.APIGatewayProxyResponse {
			return h.history(ctx, logger, req, path)
		})
	default:
		return "not_found", h.failure(http.StatusNotFound, "NOT_FOUND", "route not found")
	}
}

func (h *Handler) onlyMethod(req events.APIGatewayProxyRequest, method string, fn func() events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if req.HTTPMethod == http.MethodOptions {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}
	}
	if req.HTTPMethod != method {
		return h.failure(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
	return fn()
}

func (h *Handler) chatText(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body textRequest
	if err := decodeBody(req, &body); err != nil {
		return h.invalidBody(err)
	}
	res, err := h.uc.HandleText(ctx, body.PhoneNumber, body.Query)
	if err != nil {
		return h.fromError(logger, err)
	}
	return h.success(http.StatusOK, "文本对话处理成功", toTextResponse(res))
}

func (h *Handler) chatVoice(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body voiceRequest
	if err := decodeBody(req, &body); err != nil {
		return h.invalidBody(err)
	}
	audio, err := decodeAudio(body.AudioBase64)
	if err != nil {
		return h.invalidBody(err)
	}
	res, err := h.uc.HandleVoice(ctx, body.PhoneNumber, audio)
	if err != nil {
		return h.fromError(logger, err)
	}
	out := voiceResponse{textResponse: toTextResponse(res.TextResult), RecognizedText: res.RecognizedText}
	message := "语音对话处理成功"
	if len(res.Audio) > 0 {
		out.AudioBase64 = base64.StdEncoding.EncodeToString(res.Audio)
	} else {
		message = "语音合成失败，已返回文本回复"
	}
	return h.success(http.StatusOK, message, out)
}

func (h *Handler) recognize(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body voiceRequest
	if err := decodeBody(req, &body); err != nil {
		return h.invalidBody(err)
	}
	audio, err := decodeAudio(body.AudioBase64)
	if err != nil {
		return h.invalidBody(err)
	}
	res, err := h.uc.Recognize(ctx, audio)
	if err != nil {
		return h.fromError(logger, err)
	}
	return h.success(http.StatusOK, "语音识别成功", recognizeResponse{
		RecognizedText: res.Text,
		Timestamp:      formatTime(res.Timestamp),
	})
}

func (h *Handler) history(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest, path string) events.APIGatewayProxyResponse {
	raw := req.PathParameters["phone_number"]
	if raw == "" {
		raw, _ = historySegment(path)
	}
	phone, err := url.PathUnescape(raw)
	if err != nil {
		return h.invalidBody(err)
	}
	res, err := h.uc.History(ctx, phone)
	if err != nil {
		return h.fromError(logger, err)
	}
	out := historyResponse{PhoneNumber: res.ExternalKey, UserID: res.UserID, ConversationHistory: make([]turnResponse, 0, len(res.Turns))}
	for _, t := range res.Turns {
		out.ConversationHistory = append(out.ConversationHistory, turnResponse{
			Seq:               t.Seq,
			Channel:           string(t.Channel),
			Query:             t.Query,
			Intent:            t.Intent.Code(),
			IntentDescription: t.Intent.Description(),
			Response:          t.Response,
			Timestamp:         formatTime(t.CreatedAt),
		})
	}
	return h.success(http.StatusOK, "获取对话历史成功", out)
}

func (h *Handler) synthesize(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	wav, err := h.uc.Synthesize(ctx, req.QueryStringParameters["text"])
	if err != nil {
		return h.fromError(logger, err)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":        "audio/wav",
			"Content-Disposition": `attachment; filename="tts.wav"`,
		},
		Body:            base64.StdEncoding.EncodeToString(wav),
		IsBase64Encoded: true,
	}
}

func (h *Handler) fromError(logger *slog.Logger, err error) events.APIGatewayProxyResponse {
	code := usecase.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "code", code, "err", err)
	} else {
		logger.Warn("request rejected", "code", code, "err", err)
	}
	return h.failure(status, string(code), messageFor(code))
}

func (h *Handler) invalidBody(err error) events.APIGatewayProxyResponse {
	h.logger.Warn("invalid request body", "err", err)
	return h.failure(http.StatusBadRequest, string(usecase.ErrorInvalidInput), messageFor(usecase.ErrorInvalidInput))
}

func (h *Handler) success(status int, message string, data any) events.APIGatewayProxyResponse {
	return h.jsonResponse(status, envelope{Success: true, Message: message, Data: data, Timestamp: formatTime(h.now())})
}

func (h *Handler) failure(status int, code, message string) events.APIGatewayProxyResponse {
	return h.jsonResponse(status, envelope{Success: false, Message: message, Error: code, Timestamp: formatTime(h.now())})
}

func (h *Handler) jsonResponse(status int, body envelope) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"success":false,"message":"internal error","error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
		Body:       string(raw),
	}
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorTranscriptionFailed:
		return http.StatusUnprocessableEntity
	case usecase.ErrorDependencyTimeout:
		return http.StatusGatewayTimeout
	case usecase.ErrorResponseGeneration, usecase.ErrorDependencyError, usecase.ErrorSynthesisFailed:
		return http.StatusBadGateway
	case usecase.ErrorStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(code usecase.ErrorCode) string {
	switch code {
	case usecase.ErrorInvalidInput:
		return "请求参数无效"
	case usecase.ErrorTranscriptionFailed:
		return "语音识别失败"
	case usecase.ErrorDependencyTimeout:
		return "服务响应超时，请稍后再试"
	case usecase.ErrorResponseGeneration, usecase.ErrorDependencyError:
		return "抱歉，我暂时无法处理您的问题，请稍后再试。"
	case usecase.ErrorSynthesisFailed:
		return "语音合成失败"
	case usecase.ErrorStorageUnavailable:
		return "存储服务暂不可用"
	default:
		return "服务器内部错误"
	}
}

func toTextResponse(res usecase.TextResult) textResponse {
	return textResponse{
		UserID:            res.UserID,
		IsNewUser:         res.IsNewUser,
		Intent:            res.Intent.Code(),
		IntentDescription: res.Intent.Description(),
		Response:          res.Response,
		Channel:           string(res.Channel),
		Timestamp:         formatTime(res.Timestamp),
	}
}

func decodeBody(req events.APIGatewayProxyRequest, v any) error {
	body := req.Body
	if req.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return err
		}
		body = string(raw)
	}
	return json.Unmarshal([]byte(body), v)
}

// decodeAudio accepts plain base64 or a data URL.
func decodeAudio(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	if s == "" {
		return nil, errors.New("audio_base64 is required")
	}
	return base64.StdEncoding.DecodeString(s)
}

// historySegment returns the still-escaped key of /user/{phone}/history.
func historySegment(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/user/")
	if !ok {
		return "", false
	}
	seg, ok := strings.CutSuffix(rest, "/history")
	if !ok || seg == "" || strings.Contains(seg, "/") {
		return "", false
	}
	return seg, true
}

func isHistoryPath(path string) bool {
	_, ok := historySegment(path)
	return ok
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

