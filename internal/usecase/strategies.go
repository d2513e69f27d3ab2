package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"crm-agent/internal/domain"
	"crm-agent/internal/metrics"
)

// ResolveInput is the context handed to a resolution strategy. History is
// the recent window in ascending order.
type ResolveInput struct {
	Query        string
	History      []domain.Turn
	FirstContact bool
}

// Strategy produces answer text for a query.
type Strategy interface {
	Resolve(ctx context.Context, in ResolveInput) (string, error)
}

type generator struct {
	model  Completer
	policy CallPolicy
}

func (g generator) generate(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	var answer string
	err := g.policy.Do(ctx, "generator", func(ctx context.Context) error {
		out, err := g.model.Complete(ctx, messages)
		if err != nil {
			return err
		}
		answer = strings.TrimSpace(out)
		return nil
	})
	if err != nil {
		return "", err
	}
	if answer == "" {
		return "", newError(ErrorDependencyError, "generator_empty_answer", nil)
	}
	return answer, nil
}

// KnowledgeStrategy answers product questions from retrieved passages. A
// nil searcher disables retrieval and the query is answered on its own.
type KnowledgeStrategy struct {
	search KnowledgeSearcher
	lookup CallPolicy
	gen    generator
	logger *slog.Logger
}

func NewKnowledgeStrategy(search KnowledgeSearcher, model Completer, lookup, generate CallPolicy, logger *slog.Logger) (*KnowledgeStrategy, error) {
	if model == nil {
		return nil, errors.New("usecase: generation model must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeStrategy{
		search: search,
		lookup: lookup,
		gen:    generator{model: model, policy: generate},
		logger: logger,
	}, nil
}

func (s *KnowledgeStrategy) Resolve(ctx context.Context, in ResolveInput) (string, error) {
	var passages []domain.Passage
	if s.search != nil {
		err := s.lookup.Do(ctx, "knowledge", func(ctx context.Context) error {
			var err error
			passages, err = s.search.Search(ctx, in.Query)
			return err
		})
		if err != nil {
			s.logger.Warn("knowledge retrieval failed, answering without passages", "err", err)
			metrics.Degradations.WithLabelValues("knowledge_unavailable").Inc()
			passages = nil
		}
	}
	if len(passages) == 0 {
		s.logger.Debug("no knowledge passages", "query_len", len(in.Query))
	}
	return s.gen.generate(ctx, buildKnowledgeMessages(in.Query, passages, in.History))
}

// LiveSearchStrategy summarizes live web results. When search fails or
// comes back empty it answers directly and says live data is unavailable.
type LiveSearchStrategy struct {
	search WebSearcher
	lookup CallPolicy
	gen    generator
	now    func() time.Time
	logger *slog.Logger
}

func NewLiveSearchStrategy(search WebSearcher, model Completer, lookup, generate CallPolicy, logger *slog.Logger) (*LiveSearchStrategy, error) {
	if model == nil {
		return nil, errors.New("usecase: generation model must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveSearchStrategy{
		search: search,
		lookup: lookup,
		gen:    generator{model: model, policy: generate},
		now:    time.Now,
		logger: logger,
	}, nil
}

func (s *LiveSearchStrategy) Resolve(ctx context.Context, in ResolveInput) (string, error) {
	tool := selectSearchTool(in.Query)

	var snippets []domain.Snippet
	var err error
	if s.search == nil {
		err = errors.New("web search disabled")
	} else {
		err = s.lookup.Do(ctx, "web_search", func(ctx context.Context) error {
			var err error
			snippets, err = s.search.Search(ctx, tool.shapeQuery(in.Query, s.now()))
			return err
		})
	}
	if err != nil || len(snippets) == 0 {
		s.logger.Warn("live search unavailable, answering without live data", "tool", tool.String(), "err", err)
		metrics.Degradations.WithLabelValues("live_data_unavailable").Inc()
		return s.gen.generate(ctx, buildLiveUnavailableMessages(in.Query, in.History))
	}
	return s.gen.generate(ctx, buildLiveMessages(in.Query, tool, snippets))
}

// GeneralStrategy answers from the model and the conversation so far.
type GeneralStrategy struct {
	gen generator
}

func NewGeneralStrategy(model Completer, generate CallPolicy) (*GeneralStrategy, error) {
	if model == nil {
		return nil, errors.New("usecase: generation model must not be nil")
	}
	return &GeneralStrategy{gen: generator{model: model, policy: generate}}, nil
}

func (s *GeneralStrategy) Resolve(ctx context.Context, in ResolveInput) (string, error) {
	return s.gen.generate(ctx, buildGeneralMessages(in.Query, in.History, in.FirstContact))
}

type searchTool int

const (
	toolGeneral searchTool = iota
	toolWeather
	toolNews
	toolPrice
)

// Checked in order; the first tool with a matching keyword wins.
var searchToolKeywords = []struct {
	tool     searchTool
	keywords []string
}{
	{toolWeather, []string{"天气", "气温", "温度", "预报", "下雨", "下雪", "晴", "阴"}},
	{toolNews, []string{"新闻", "最新", "头条", "热点", "时事", "报道"}},
	{toolPrice, []string{"价格", "价钱", "多少钱", "报价", "行情", "市场价"}},
}

func selectSearchTool(query string) searchTool {
	q := strings.ToLower(query)
	for _, entry := range searchToolKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(q, kw) {
				return entry.tool
			}
		}
	}
	return toolGeneral
}

func (t searchTool) String() string {
	switch t {
	case toolWeather:
		return "weather"
	case toolNews:
		return "news"
	case toolPrice:
		return "price"
	default:
		return "general"
	}
}

func (t searchTool) label() string {
	switch t {
	case toolWeather:
		return "天气"
	case toolNews:
		return "新闻"
	case toolPrice:
		return "价格"
	default:
		return "网络搜索"
	}
}

// shapeQuery adds the date and core dimensions each tool needs to get
// precise results back.
func (t searchTool) shapeQuery(query string, now time.Time) string {
	switch t {
	case toolWeather:
		return fmt.Sprintf("%s %s 实时天气 气温 天气状况 湿度 风力 空气质量", now.Format("2006年01月02日"), query)
	case toolNews:
		return fmt.Sprintf("%s 最新新闻 %d 核心内容 摘要 来源", query, now.Year())
	case toolPrice:
		return fmt.Sprintf("%s 实时价格 %d 市场价 报价 优惠活动", query, now.Year())
	default:
		return query
	}
}
