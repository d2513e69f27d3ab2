// Package config builds the immutable process configuration from the
// environment. It is read once at startup and passed to constructors.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// APIGatewayTimeout is the API Gateway integration cap in front of the Lambda.
const APIGatewayTimeout = 29 * time.Second

// Config holds every tunable of the service. Values are copied into
// components at construction; nothing reads the environment afterwards.
type Config struct {
	// Storage
	StateTable string
	SQLitePath string

	// Secrets
	ParamPrefix string

	// Server
	HTTPPort int

	// Models
	OpenAIBaseURL   string
	LLMModel        string
	ClassifierModel string
	LLMTemperature  float32
	EmbeddingModel  string
	STTModel        string
	STTLanguage     string
	TTSModel        string
	TTSVoice        string

	// Call budgets
	RequestTimeout   time.Duration
	ClassifyTimeout  time.Duration
	LookupTimeout    time.Duration
	GenerateTimeout  time.Duration
	VoiceTimeout     time.Duration
	GenerateAttempts int
	RetryBackoff     time.Duration

	// Conversation
	HistoryWindow  int
	MaxQueryLength int

	// Strategies
	EnableRAG        bool
	EnableWebSearch  bool
	KnowledgeDir     string
	KnowledgeTopK    int
	MaxSearchResults int

	LogLevel slog.Level
}

// Load reads the environment. Missing optional values fall back to defaults;
// malformed values are reported rather than silently replaced.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		StateTable:     strings.TrimSpace(os.Getenv("STATE_TABLE")),
		SQLitePath:     envString("SQLITE_PATH", "crm_agent.db"),
		ParamPrefix:    strings.TrimRight(strings.TrimSpace(os.Getenv("PARAM_PREFIX")), "/"),
		OpenAIBaseURL:  envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		LLMModel:       envString("LLM_MODEL", "gpt-4o-mini"),
		EmbeddingModel: envString("EMBEDDING_MODEL", "text-embedding-3-small"),
		STTModel:       envString("STT_MODEL", "whisper-1"),
		STTLanguage:    envString("STT_LANGUAGE", "zh"),
		TTSModel:       envString("TTS_MODEL", "tts-1"),
		TTSVoice:       envString("TTS_VOICE", "alloy"),
		KnowledgeDir:   envString("KNOWLEDGE_DIR", "data_documents"),
	}
	cfg.ClassifierModel = envString("CLASSIFIER_MODEL", cfg.LLMModel)

	cfg.HTTPPort = envInt("HTTP_PORT", 8003, &errs)
	cfg.GenerateAttempts = envInt("GENERATE_ATTEMPTS", 2, &errs)
	cfg.HistoryWindow = envInt("HISTORY_WINDOW", 5, &errs)
	cfg.MaxQueryLength = envInt("MAX_QUERY_LENGTH", 1000, &errs)
	cfg.KnowledgeTopK = envInt("KNOWLEDGE_TOP_K", 3, &errs)
	cfg.MaxSearchResults = envInt("MAX_SEARCH_RESULTS", 3, &errs)

	cfg.RequestTimeout = envDuration("REQUEST_TIMEOUT", 25*time.Second, &errs)
	cfg.ClassifyTimeout = envDuration("CLASSIFY_TIMEOUT", 4*time.Second, &errs)
	cfg.LookupTimeout = envDuration("LOOKUP_TIMEOUT", 4*time.Second, &errs)
	cfg.GenerateTimeout = envDuration("GENERATE_TIMEOUT", 8*time.Second, &errs)
	cfg.VoiceTimeout = envDuration("VOICE_TIMEOUT", 10*time.Second, &errs)
	cfg.RetryBackoff = envDuration("RETRY_BACKOFF", 500*time.Millisecond, &errs)

	cfg.EnableRAG = envBool("ENABLE_RAG", true, &errs)
	cfg.EnableWebSearch = envBool("ENABLE_WEB_SEARCH", true, &errs)

	temp, err := strconv.ParseFloat(envString("LLM_TEMPERATURE", "0.3"), 32)
	if err != nil {
		errs = append(errs, fmt.Errorf("config: LLM_TEMPERATURE: %w", err))
	}
	cfg.LLMTemperature = float32(temp)

	if err := cfg.LogLevel.UnmarshalText([]byte(envString("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("config: LOG_LEVEL: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// TextBudget is the worst-case time spent in dependency calls by one text
// request: classification, one retrieval or search, and every generation
// attempt with its backoff.
func (c Config) TextBudget() time.Duration {
	attempts := max(c.GenerateAttempts, 1)
	var backoff time.Duration
	for i := 1; i < attempts; i++ {
		backoff += c.RetryBackoff * time.Duration(i)
	}
	return c.ClassifyTimeout + c.LookupTimeout + time.Duration(attempts)*c.GenerateTimeout + backoff
}

// RequireLambda checks the settings only the Lambda entry point needs. The
// request deadline must expire before the gateway cuts the connection, and
// the text path must fit inside it.
func (c Config) RequireLambda() error {
	var errs []error
	if c.StateTable == "" {
		errs = append(errs, errors.New("config: STATE_TABLE is not set"))
	}
	if c.ParamPrefix == "" {
		errs = append(errs, errors.New("config: PARAM_PREFIX is not set"))
	}
	if c.RequestTimeout <= 0 || c.RequestTimeout >= APIGatewayTimeout {
		errs = append(errs, fmt.Errorf("config: REQUEST_TIMEOUT %s must be positive and below %s", c.RequestTimeout, APIGatewayTimeout))
	} else {
		if budget := c.TextBudget(); budget > c.RequestTimeout {
			errs = append(errs, fmt.Errorf("config: text call budget %s exceeds REQUEST_TIMEOUT %s", budget, c.RequestTimeout))
		}
		if c.VoiceTimeout >= c.RequestTimeout {
			errs = append(errs, fmt.Errorf("config: VOICE_TIMEOUT %s must be below REQUEST_TIMEOUT %s", c.VoiceTimeout, c.RequestTimeout))
		}
	}
	return errors.Join(errs...)
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return n
}

func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return d
}

func envBool(key string, def bool, errs *[]error) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return b
}
