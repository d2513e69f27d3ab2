package handler

import (
	"encoding/base64"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

const maxRequestBody = 25 << 20

// Router exposes the Handler over plain net/http for the standalone server.
// Requests are converted to API Gateway proxy events so both entry points
// share one code path.
func Router(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", correlationHeader},
		ExposedHeaders: []string{correlationHeader},
	}))

	serve := h.ServeHTTP
	r.Post("/chat/text", serve)
	r.Post("/chat/voice", serve)
	r.Post("/voice/recognize", serve)
	r.Get("/tts/generate", serve)
	r.Get("/health", serve)
	r.Get("/user/{phone_number}/history", serve)
	r.NotFound(serve)
	r.MethodNotAllowed(serve)
	return r
}

// ServeHTTP adapts a net/http request to Handle.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	resp, err := h.Handle(r.Context(), toProxyRequest(r, body))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	payload := []byte(resp.Body)
	if resp.IsBase64Encoded {
		if payload, err = base64.StdEncoding.DecodeString(resp.Body); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(payload)
}

func toProxyRequest(r *http.Request, body []byte) events.APIGatewayProxyRequest {
	req := events.APIGatewayProxyRequest{
		HTTPMethod:            r.Method,
		Path:                  r.URL.Path,
		Headers:               map[string]string{},
		QueryStringParameters: map[string]string{},
	}
	for k := range r.Header {
		req.Headers[k] = r.Header.Get(k)
	}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			req.QueryStringParameters[k] = v[0]
		}
	}
	if phone := chi.URLParam(r, "phone_number"); phone != "" {
		req.PathParameters = map[string]string{"phone_number": phone}
	}
	if utf8.Valid(body) {
		req.Body = string(body)
	} else {
		req.Body = base64.StdEncoding.EncodeToString(body)
		req.IsBase64Encoded = true
	}
	return req
}
