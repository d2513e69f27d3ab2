package usecase

import (
	"fmt"
	"strings"

	"crm-agent/internal/domain"
)

const firstContactGreeting = "你好，我是CRM智能助手小云，请问有什么可以帮您？"

// buildClassificationMessages asks for exactly one intent code. recent is
// ordered most-recent-first.
func buildClassificationMessages(query string, recent []domain.Turn) []domain.ChatMessage {
	lines := []string{
		"请分析以下用户问题的意图，并返回对应的分类代码（A、B或C）：",
		"",
		"A - 产品咨询：涉及具体产品信息、规格、价格等需要检索知识库的问题",
		"B - 实时信息：需要最新市场信息、新闻、天气等实时数据的问题",
		"C - 常规问答：一般性咨询、客服问题、使用指导等",
	}
	if len(recent) > 0 {
		lines = append(lines, "", "最近的对话（由近及远）：")
		for i, t := range recent {
			lines = append(lines, fmt.Sprintf("%d. 用户：%s", i+1, normalizePromptInput(t.Query)))
		}
	}
	lines = append(lines,
		"",
		"用户问题："+query,
		"",
		"只需返回单个字母A、B或C，不要其他内容。",
	)
	return []domain.ChatMessage{{Role: domain.RoleUser, Content: strings.Join(lines, "\n")}}
}

func buildKnowledgeMessages(query string, passages []domain.Passage, history []domain.Turn) []domain.ChatMessage {
	info := "（知识库中没有检索到相关信息）"
	if len(passages) > 0 {
		parts := make([]string, 0, len(passages))
		for _, p := range passages {
			parts = append(parts, fmt.Sprintf("[来源: %s] %s", p.Source, strings.TrimSpace(p.Text)))
		}
		info = strings.Join(parts, "\n\n")
	}
	system := strings.Join([]string{
		"你是一个专业的CRM产品客服助手。基于以下检索到的产品信息回答用户的问题。",
		"",
		"检索到的产品信息：",
		info,
		"",
		"请注意：",
		"1. 如果检索到的信息中有直接答案，请优先使用检索到的信息",
		"2. 如果信息不完整，可以基于常识补充，但要注明哪些是检索信息，哪些是补充信息",
		"3. 保持回答的专业性和准确性",
		"4. 如果用户询问产品文档中没有的信息，可以建议用户提供更多细节或联系技术支持",
	}, "\n")
	return withHistory(system, query, history)
}

func buildLiveMessages(query string, tool searchTool, snippets []domain.Snippet) []domain.ChatMessage {
	parts := make([]string, 0, len(snippets))
	for _, s := range snippets {
		line := strings.TrimSpace(s.Content)
		if s.Title != "" {
			line = s.Title + "：" + line
		}
		parts = append(parts, line)
	}
	system := strings.Join([]string{
		"你是一个精准的实时信息助手。基于以下搜索到的实时信息回答用户的问题。",
		"",
		"搜索到的实时信息（" + tool.label() + "）：",
		strings.Join(parts, "\n"),
		"",
		"【强制要求】：",
		"1. 必须提炼核心数据（如天气需包含温度、天气状况；价格需包含具体数值；新闻需包含核心事件）；",
		"2. 回答要简洁、直接，不要使用\"请访问链接\"等模糊表述，直接给出具体数值/状态；",
		"3. 信息格式要结构化（如：深圳今日天气：晴，气温18℃，东风2级）；",
		"4. 仅使用搜索到的信息回答，不要编造数据；如果信息不足，明确说明，但不要推荐外部链接。",
	}, "\n")
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: system},
		{Role: domain.RoleUser, Content: query},
	}
}

func buildLiveUnavailableMessages(query string, history []domain.Turn) []domain.ChatMessage {
	system := strings.Join([]string{
		"你是一个友好的CRM客服助手。",
		"用户询问的是需要实时数据的问题，但当前无法获取实时信息。",
		"请基于已有知识尽量回答，并在回答开头明确说明：实时数据暂时无法获取，以下信息可能不是最新的。",
		"不要编造具体的实时数值。",
	}, "\n")
	return withHistory(system, query, history)
}

func buildGeneralMessages(query string, history []domain.Turn, firstContact bool) []domain.ChatMessage {
	lines := []string{
		"你是一个友好的CRM客服助手。",
		"请提供有帮助的、友好的回复。",
	}
	if firstContact {
		lines = append(lines, "这是你第一次与用户交流，请先自我介绍：\""+firstContactGreeting+"\"")
	}
	return withHistory(strings.Join(lines, "\n"), query, history)
}

// withHistory replays prior turns, oldest first, between the system prompt
// and the current question.
func withHistory(system, query string, history []domain.Turn) []domain.ChatMessage {
	messages := []domain.ChatMessage{{Role: domain.RoleSystem, Content: system}}
	for _, t := range history {
		messages = append(messages, historyToPromptMessages(t)...)
	}
	return append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: query})
}

func historyToPromptMessages(t domain.Turn) []domain.ChatMessage {
	question := strings.TrimSpace(t.Query)
	answer := strings.TrimSpace(t.Response)
	if question == "" || answer == "" {
		return nil
	}
	return []domain.ChatMessage{
		{Role: domain.RoleUser, Content: question},
		{Role: domain.RoleAssistant, Content: answer},
	}
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
