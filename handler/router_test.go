package handler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"crm-agent/internal/domain"
	"crm-agent/internal/usecase"
)

func TestRouter_TextChat(t *testing.T) {
	uc := &stubUseCase{text: usecase.TextResult{UserID: "u-1", Intent: domain.IntentGeneralQnA, Response: "你好"}}
	srv := httptest.NewServer(Router(newTestHandler(t, uc)))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/chat/text", "application/json", strings.NewReader(`{"phone_number":"13800138000","query":"你好"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(correlationHeader))
	require.Equal(t, "13800138000", uc.gotKey)
	require.Equal(t, "你好", uc.gotQuery)
}

func TestRouter_HistoryUsesPathParameter(t *testing.T) {
	uc := &stubUseCase{history: usecase.HistoryResult{ExternalKey: "13800138000", UserID: "u-1"}}
	srv := httptest.NewServer(Router(newTestHandler(t, uc)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/user/13800138000/history")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "13800138000", uc.gotKey)
}

func TestRouter_TTSWritesBinary(t *testing.T) {
	uc := &stubUseCase{wav: []byte("RIFF\x00\x01\x02")}
	srv := httptest.NewServer(Router(newTestHandler(t, uc)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/tts/generate?text=%E4%BD%A0%E5%A5%BD")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	require.Equal(t, "你好", uc.gotText)

	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	require.Equal(t, "RIFF\x00\x01\x02", buf.String())
}

func TestRouter_UnknownRoute(t *testing.T) {
	srv := httptest.NewServer(Router(newTestHandler(t, &stubUseCase{})))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
