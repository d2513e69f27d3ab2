package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"crm-agent/internal/domain"
	"crm-agent/internal/usecase"
)

type stubUseCase struct {
	text      usecase.TextResult
	voice     usecase.VoiceResult
	recognize usecase.RecognizeResult
	history   usecase.HistoryResult
	wav       []byte
	err       error

	gotCtx   context.Context
	gotKey   string
	gotQuery string
	gotAudio []byte
	gotText  string
}

func (s *stubUseCase) HandleText(ctx context.Context, key, query string) (usecase.TextResult, error) {
	s.gotCtx, s.gotKey, s.gotQuery = ctx, key, query
	return s.text, s.err
}

func (s *stubUseCase) HandleVoice(_ context.Context, key string, audio []byte) (usecase.VoiceResult, error) {
	s.gotKey, s.gotAudio = key, audio
	return s.voice, s.err
}

func (s *stubUseCase) Recognize(_ context.Context, audio []byte) (usecase.RecognizeResult, error) {
	s.gotAudio = audio
	return s.recognize, s.err
}

func (s *stubUseCase) History(_ context.Context, key string) (usecase.HistoryResult, error) {
	s.gotKey = key
	return s.history, s.err
}

func (s *stubUseCase) Synthesize(_ context.Context, text string) ([]byte, error) {
	s.gotText = text
	return s.wav, s.err
}

type testEnvelope[T any] struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Data      T      `json:"data"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

var fixedTime = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) testEnvelope[T] {
	t.Helper()
	var v testEnvelope[T]
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func newTestHandler(t *testing.T, uc Conversation, opts ...Option) *Handler {
	t.Helper()
	h, err := NewHandler(uc, opts...)
	require.NoError(t, err)
	h.now = func() time.Time { return fixedTime }
	return h
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestChatText_HappyPath(t *testing.T) {
	uc := &stubUseCase{text: usecase.TextResult{
		UserID:    "u-1",
		IsNewUser: true,
		Intent:    domain.IntentProductInquiry,
		Response:  "我们提供CRM系统",
		Channel:   domain.ChannelText,
		Timestamp: fixedTime,
	}}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat/text", `{"phone_number":"13800138000","query":"你们有什么产品？"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "13800138000", uc.gotKey)
	require.Equal(t, "你们有什么产品？", uc.gotQuery)

	out := parseBody[textResponse](t, resp.Body)
	require.True(t, out.Success)
	require.Equal(t, "u-1", out.Data.UserID)
	require.True(t, out.Data.IsNewUser)
	require.Equal(t, "A", out.Data.Intent)
	require.Equal(t, "产品咨询-RAG检索", out.Data.IntentDescription)
	require.Equal(t, "text", out.Data.Channel)
	require.Equal(t, "2026-03-01T08:00:00Z", out.Data.Timestamp)
	require.NotEmpty(t, out.Timestamp)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestChatVoice_EncodesAudio(t *testing.T) {
	audio := []byte("RIFF....WAVE")
	uc := &stubUseCase{voice: usecase.VoiceResult{
		TextResult:     usecase.TextResult{UserID: "u-1", Intent: domain.IntentGeneralQnA, Response: "再见", Channel: domain.ChannelVoice},
		RecognizedText: "谢谢，再见。",
		Audio:          audio,
	}}
	h := newTestHandler(t, uc)

	body := `{"phone_number":"1","audio_base64":"data:audio/wav;base64,` + base64.StdEncoding.EncodeToString([]byte("pcm")) + `"}`
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat/voice", body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []byte("pcm"), uc.gotAudio)

	var out testEnvelope[map[string]any]
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &out))
	require.Equal(t, "谢谢，再见。", out.Data["recognized_text"])
	require.Equal(t, "C", out.Data["intent"])
	require.Equal(t, base64.StdEncoding.EncodeToString(audio), out.Data["audio_base64"])
}

func TestChatVoice_DegradedOmitsAudio(t *testing.T) {
	uc := &stubUseCase{voice: usecase.VoiceResult{
		TextResult:     usecase.TextResult{UserID: "u-1", Intent: domain.IntentGeneralQnA, Response: "再见", Channel: domain.ChannelVoice},
		RecognizedText: "再见",
	}}
	h := newTestHandler(t, uc)

	body := `{"phone_number":"1","audio_base64":"` + base64.StdEncoding.EncodeToString([]byte("pcm")) + `"}`
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat/voice", body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out testEnvelope[map[string]any]
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &out))
	require.NotContains(t, out.Data, "audio_base64")
	require.Equal(t, "再见", out.Data["response"])
}

func TestRecognize(t *testing.T) {
	uc := &stubUseCase{recognize: usecase.RecognizeResult{Text: "谢谢，再见。", Timestamp: fixedTime}}
	h := newTestHandler(t, uc)

	body := `{"audio_base64":"` + base64.StdEncoding.EncodeToString([]byte("wav")) + `"}`
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/voice/recognize", body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := parseBody[recognizeResponse](t, resp.Body)
	require.Equal(t, "谢谢，再见。", out.Data.RecognizedText)
	require.Equal(t, "2026-03-01T08:00:00Z", out.Data.Timestamp)
}

func TestHistory(t *testing.T) {
	uc := &stubUseCase{history: usecase.HistoryResult{
		ExternalKey: "13800138000",
		UserID:      "u-1",
		Turns: []domain.Turn{
			{Seq: 1, Channel: domain.ChannelText, Query: "你们有什么产品？", Intent: domain.IntentProductInquiry, Response: "CRM", CreatedAt: fixedTime},
			{Seq: 2, Channel: domain.ChannelText, Query: "请帮我转接人工客服", Intent: domain.IntentGeneralQnA, Response: "好的", CreatedAt: fixedTime.Add(time.Minute)},
		},
	}}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/user/13800138000/history", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "13800138000", uc.gotKey)

	out := parseBody[historyResponse](t, resp.Body)
	require.Equal(t, "u-1", out.Data.UserID)
	require.Len(t, out.Data.ConversationHistory, 2)
	require.Equal(t, "A", out.Data.ConversationHistory[0].Intent)
	require.Equal(t, "C", out.Data.ConversationHistory[1].Intent)

	event := makeEvent(http.MethodGet, "/user/ignored/history", "")
	event.PathParameters = map[string]string{"phone_number": "13900000000"}
	_, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "13900000000", uc.gotKey)
}

func TestHistory_EmptyListIsArray(t *testing.T) {
	uc := &stubUseCase{history: usecase.HistoryResult{ExternalKey: "1", UserID: "u-1"}}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/user/1/history", ""))
	require.NoError(t, err)
	require.Contains(t, resp.Body, `"conversation_history":[]`)
}

func TestTTSGenerate(t *testing.T) {
	uc := &stubUseCase{wav: []byte("RIFFdata")}
	h := newTestHandler(t, uc)

	event := makeEvent(http.MethodGet, "/tts/generate", "")
	event.QueryStringParameters = map[string]string{"text": "你好"}
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, resp.IsBase64Encoded)
	require.Equal(t, "audio/wav", resp.Headers["Content-Type"])
	require.Equal(t, "你好", uc.gotText)

	raw, err := base64.StdEncoding.DecodeString(resp.Body)
	require.NoError(t, err)
	require.Equal(t, []byte("RIFFdata"), raw)
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{}, WithHealth(HealthInfo{LLMModel: "gpt-4o-mini", RAGEnabled: true}))

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/health", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := parseBody[healthResponse](t, resp.Body)
	require.Equal(t, "healthy", out.Data.Status)
	require.Equal(t, "gpt-4o-mini", out.Data.LLMModel)
	require.True(t, out.Data.RAGEnabled)
}

func TestHandle_InvalidBodies(t *testing.T) {
	cases := map[string]events.APIGatewayProxyRequest{
		"not json":      makeEvent(http.MethodPost, "/chat/text", `not-json`),
		"bad base64":    makeEvent(http.MethodPost, "/chat/voice", `{"phone_number":"1","audio_base64":"%%%"}`),
		"missing audio": makeEvent(http.MethodPost, "/voice/recognize", `{}`),
	}
	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			h := newTestHandler(t, &stubUseCase{})
			resp, err := h.Handle(context.Background(), event)
			require.NoError(t, err)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			out := parseBody[json.RawMessage](t, resp.Body)
			require.False(t, out.Success)
			require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
		})
	}
}

func TestHandle_Base64EncodedBody(t *testing.T) {
	uc := &stubUseCase{text: usecase.TextResult{Intent: domain.IntentGeneralQnA}}
	h := newTestHandler(t, uc)

	event := makeEvent(http.MethodPost, "/chat/text", base64.StdEncoding.EncodeToString([]byte(`{"phone_number":"1","query":"hi"}`)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hi", uc.gotQuery)
}

func TestHandle_RoutingErrors(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/nope", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodGet, "/chat/text", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodOptions, "/chat/text", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	timeout := &usecase.Error{Code: usecase.ErrorDependencyTimeout, Reason: "generator_timeout"}
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_query"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "transcription", err: &usecase.Error{Code: usecase.ErrorTranscriptionFailed, Reason: "transcription_failed"}, status: http.StatusUnprocessableEntity, code: string(usecase.ErrorTranscriptionFailed)},
		{name: "timeout", err: timeout, status: http.StatusGatewayTimeout, code: string(usecase.ErrorDependencyTimeout)},
		{name: "generation", err: &usecase.Error{Code: usecase.ErrorResponseGeneration, Reason: "general_qna_failed", Err: timeout}, status: http.StatusBadGateway, code: string(usecase.ErrorResponseGeneration)},
		{name: "synthesis", err: &usecase.Error{Code: usecase.ErrorSynthesisFailed, Reason: "synthesis_failed"}, status: http.StatusBadGateway, code: string(usecase.ErrorSynthesisFailed)},
		{name: "storage", err: &usecase.Error{Code: usecase.ErrorStorageUnavailable, Reason: "user_lookup_failed"}, status: http.StatusServiceUnavailable, code: string(usecase.ErrorStorageUnavailable)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &stubUseCase{err: tc.err})

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat/text", `{"phone_number":"1","query":"hi"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[json.RawMessage](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
			require.NotEmpty(t, out.Message)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{})

	event := makeEvent(http.MethodGet, "/health", "")
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHistory_RequiresPhoneSegment(t *testing.T) {
	for _, path := range []string{"/user/history", "/user//history", "/user/a/b/history"} {
		t.Run(path, func(t *testing.T) {
			uc := &stubUseCase{}
			h := newTestHandler(t, uc)

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, path, ""))
			require.NoError(t, err)
			require.Equal(t, http.StatusNotFound, resp.StatusCode)
			require.Empty(t, uc.gotKey)
		})
	}
}

func TestHistory_UnescapesKeyFromEitherSource(t *testing.T) {
	uc := &stubUseCase{history: usecase.HistoryResult{UserID: "u-1"}}
	h := newTestHandler(t, uc)

	_, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/user/%2B8613800138000/history", ""))
	require.NoError(t, err)
	require.Equal(t, "+8613800138000", uc.gotKey)

	uc.gotKey = ""
	event := makeEvent(http.MethodGet, "/user/%2B8613800138000/history", "")
	event.PathParameters = map[string]string{"phone_number": "%2B8613800138000"}
	_, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "+8613800138000", uc.gotKey)
}

func TestHandle_AppliesRequestTimeout(t *testing.T) {
	uc := &stubUseCase{}
	h := newTestHandler(t, uc, WithRequestTimeout(2*time.Second))

	start := time.Now()
	_, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat/text", `{"phone_number":"1","query":"hi"}`))
	require.NoError(t, err)

	deadline, ok := uc.gotCtx.Deadline()
	require.True(t, ok)
	require.WithinDuration(t, start.Add(2*time.Second), deadline, time.Second)

	uc = &stubUseCase{}
	h = newTestHandler(t, uc)
	_, err = h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat/text", `{"phone_number":"1","query":"hi"}`))
	require.NoError(t, err)
	_, ok = uc.gotCtx.Deadline()
	require.False(t, ok)
}
