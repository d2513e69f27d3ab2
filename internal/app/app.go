// Package app assembles the conversation service from configuration. Both
// entry points share it so the Lambda and the local server behave alike.
package app

import (
	"context"
	"errors"
	"log/slog"

	"crm-agent/handler"
	"crm-agent/internal/config"
	"crm-agent/internal/integrations/openai"
	"crm-agent/internal/integrations/tavily"
	"crm-agent/internal/knowledge"
	"crm-agent/internal/usecase"
)

const (
	classifierTemperature = 0.1
	classifierMaxTokens   = 10
	generatorMaxTokens    = 1000
)

// SecretGetter resolves API keys stored as {"token":"..."} parameters.
type SecretGetter interface {
	openai.Getter
	tavily.Getter
}

// Build wires every component behind the HTTP handler.
func Build(cfg config.Config, store usecase.Store, secrets SecretGetter, logger *slog.Logger) (*handler.Handler, error) {
	if store == nil {
		return nil, errors.New("app: store must not be nil")
	}
	if secrets == nil {
		return nil, errors.New("app: secret getter must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	llm, err := openai.NewClient(secrets, cfg.ParamPrefix,
		openai.WithBaseURL(cfg.OpenAIBaseURL),
		openai.WithEmbeddingModel(cfg.EmbeddingModel),
		openai.WithSpeech(openai.SpeechConfig{
			STTModel: cfg.STTModel,
			Language: cfg.STTLanguage,
			TTSModel: cfg.TTSModel,
			Voice:    cfg.TTSVoice,
		}),
	)
	if err != nil {
		return nil, err
	}

	generate := usecase.CallPolicy{Timeout: cfg.GenerateTimeout, Attempts: cfg.GenerateAttempts, Backoff: cfg.RetryBackoff}
	lookup := usecase.CallPolicy{Timeout: cfg.LookupTimeout, Attempts: 1}
	generator := llm.Completer(cfg.LLMModel, cfg.LLMTemperature, generatorMaxTokens)

	var knowledgeSearch usecase.KnowledgeSearcher
	if cfg.EnableRAG {
		idx, err := knowledge.NewIndex(cfg.KnowledgeDir, llm,
			knowledge.WithTopK(cfg.KnowledgeTopK),
			knowledge.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		idx.Warm(context.Background())
		knowledgeSearch = idx
	}

	var webSearch usecase.WebSearcher
	if cfg.EnableWebSearch {
		web, err := tavily.NewClient(secrets, cfg.ParamPrefix, cfg.MaxSearchResults)
		if err != nil {
			return nil, err
		}
		webSearch = web
	}

	knowledgeStrategy, err := usecase.NewKnowledgeStrategy(knowledgeSearch, generator, lookup, generate, logger)
	if err != nil {
		return nil, err
	}
	liveStrategy, err := usecase.NewLiveSearchStrategy(webSearch, generator, lookup, generate, logger)
	if err != nil {
		return nil, err
	}
	generalStrategy, err := usecase.NewGeneralStrategy(generator, generate)
	if err != nil {
		return nil, err
	}
	dispatcher, err := usecase.NewDispatcher(knowledgeStrategy, liveStrategy, generalStrategy)
	if err != nil {
		return nil, err
	}

	classifier, err := usecase.NewIntentClassifier(
		llm.Completer(cfg.ClassifierModel, classifierTemperature, classifierMaxTokens),
		cfg.ClassifyTimeout, cfg.HistoryWindow, logger,
	)
	if err != nil {
		return nil, err
	}
	identity, err := usecase.NewIdentityResolver(store, logger)
	if err != nil {
		return nil, err
	}

	orchestrator, err := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Identity:    identity,
		Classifier:  classifier,
		Dispatcher:  dispatcher,
		Turns:       store,
		Transcriber: llm,
		Synthesizer: llm,
		Logger:      logger,
	}, usecase.OrchestratorSettings{
		Voice:          usecase.CallPolicy{Timeout: cfg.VoiceTimeout, Attempts: 1},
		HistoryWindow:  cfg.HistoryWindow,
		MaxQueryLength: cfg.MaxQueryLength,
	})
	if err != nil {
		return nil, err
	}

	return handler.NewHandler(orchestrator,
		handler.WithLogger(logger),
		handler.WithRequestTimeout(cfg.RequestTimeout),
		handler.WithHealth(handler.HealthInfo{
			LLMModel:         cfg.LLMModel,
			ClassifierModel:  cfg.ClassifierModel,
			STTModel:         cfg.STTModel,
			TTSModel:         cfg.TTSModel,
			RAGEnabled:       cfg.EnableRAG,
			WebSearchEnabled: cfg.EnableWebSearch,
		}),
	)
}
