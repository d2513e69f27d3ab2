package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode"

	"crm-agent/internal/domain"
	"crm-agent/internal/metrics"
)

// Classification is the transient intent decision for one request.
type Classification struct {
	Intent   domain.Intent
	Fallback bool
}

// IntentClassifier never fails: an unusable model answer, an error or a
// timeout all yield IntentGeneralQnA.
type IntentClassifier struct {
	model  Completer
	policy CallPolicy
	window int
	logger *slog.Logger
}

func NewIntentClassifier(model Completer, timeout time.Duration, window int, logger *slog.Logger) (*IntentClassifier, error) {
	if model == nil {
		return nil, errors.New("usecase: classification model must not be nil")
	}
	if window <= 0 {
		window = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IntentClassifier{
		model:  model,
		policy: CallPolicy{Timeout: timeout, Attempts: 1},
		window: window,
		logger: logger,
	}, nil
}

// Classify picks the intent for query. recent is ordered most-recent-first
// and is capped to the classifier window.
func (c *IntentClassifier) Classify(ctx context.Context, query string, recent []domain.Turn) Classification {
	if len(recent) > c.window {
		recent = recent[:c.window]
	}

	var raw string
	err := c.policy.Do(ctx, "classifier", func(ctx context.Context) error {
		var err error
		raw, err = c.model.Complete(ctx, buildClassificationMessages(query, recent))
		return err
	})
	if err != nil {
		c.logger.Warn("intent classification failed, using fallback", "err", err)
		return c.fallback()
	}

	intent, ok := parseIntentLabel(raw)
	if !ok {
		c.logger.Warn("intent classification unparseable, using fallback", "raw", raw)
		return c.fallback()
	}
	metrics.IntentCount.WithLabelValues(intent.Code(), "false").Inc()
	return Classification{Intent: intent}
}

func (c *IntentClassifier) fallback() Classification {
	metrics.IntentCount.WithLabelValues(domain.IntentGeneralQnA.Code(), "true").Inc()
	return Classification{Intent: domain.IntentGeneralQnA, Fallback: true}
}

// parseIntentLabel accepts a bare code, optionally quoted or followed by
// punctuation or an explanation ("B", "b.", "A：产品咨询").
func parseIntentLabel(raw string) (domain.Intent, bool) {
	s := strings.TrimSpace(raw)
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	s = strings.Trim(s, "`*'\"“”")
	if intent, ok := domain.ParseIntentCode(s); ok {
		return intent, true
	}
	runes := []rune(s)
	if len(runes) < 2 || isASCIILetter(runes[1]) || unicode.IsDigit(runes[1]) {
		return domain.IntentUnclassified, false
	}
	return domain.ParseIntentCode(string(runes[0]))
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
