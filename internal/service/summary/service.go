// Package summary fills in the handover context (sentiment and reason) the agent desktop shows.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/handover-chat/backend/internal/analysis/sentiment"
	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
)

// Config 控制摘要服务的行为。
type Config struct {
	Enabled      bool
	HistoryLimit int
}

const defaultTitle = "Customer request"

// Service 使用大模型总结转人工的原因，并在必要时回退到启发式规则。
type Service struct {
	enabled      bool
	classifier   compose.Runnable[map[string]any, *schema.Message]
	fallback     func(utterances []string) sentiment.Decision
	historyLimit int
}

// NewService 创建摘要服务。chatModel 为 nil 时只使用启发式规则。
func NewService(ctx context.Context, chatModel model.ChatModel, cfg Config) (*Service, error) {
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 20
	}

	svc := &Service{
		enabled:      cfg.Enabled && chatModel != nil,
		fallback:     sentiment.Analyze,
		historyLimit: historyLimit,
	}

	if !svc.enabled {
		return svc, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(summarySystemPrompt),
		schema.UserMessage(summaryUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile handover summary chain: %w", err)
	}

	svc.classifier = runnable
	return svc, nil
}

// Enabled 返回大模型摘要是否启用。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled && s.classifier != nil
}

// Enrich 只补全 hc 中缺失的字段，bot 已给出的 sentiment/reason 原样保留。
func (s *Service) Enrich(ctx context.Context, entries []chat.Entry, hc chat.HandoverContext) chat.HandoverContext {
	if hc.Complete() {
		return hc
	}

	guess := s.summarize(ctx, entries)
	if hc.Sentiment == "" {
		hc.Sentiment = guess.Sentiment
	}
	if hc.Reason == "" {
		hc.Reason = guess.Reason
	}
	return hc
}

func (s *Service) summarize(ctx context.Context, entries []chat.Entry) chat.HandoverContext {
	if !s.Enabled() {
		return s.fallbackSummary(entries)
	}

	input := map[string]any{
		"history": formatHistory(entries, s.historyLimit),
	}

	msg, err := s.classifier.Invoke(ctx, input)
	if err != nil {
		log.Printf("[summary] classifier invoke failed, use fallback: %v", err)
		return s.fallbackSummary(entries)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return s.fallbackSummary(entries)
	}

	result, err := parseClassifierOutput(msg.Content)
	if err != nil {
		log.Printf("[summary] classifier output parse failed, use fallback: %v", err)
		return s.fallbackSummary(entries)
	}

	label, ok := parseSentimentLabel(result.Sentiment)
	if !ok {
		return s.fallbackSummary(entries)
	}

	topics := make([]sentiment.Topic, 0, len(result.Reasons))
	for _, r := range result.Reasons {
		title := strings.TrimSpace(r.Title)
		if title == "" {
			continue
		}
		topics = append(topics, sentiment.Topic{Title: title, Detail: strings.TrimSpace(r.Detail)})
	}
	if len(topics) == 0 {
		topics = defaultTopics(customerUtterances(entries))
	}

	return chat.HandoverContext{
		Sentiment: string(label),
		Reason:    sentiment.FormatReason(topics),
	}
}

func (s *Service) fallbackSummary(entries []chat.Entry) chat.HandoverContext {
	utterances := customerUtterances(entries)
	decision := s.fallback(utterances)

	topics := decision.Topics
	if len(topics) == 0 {
		topics = defaultTopics(utterances)
	}
	return chat.HandoverContext{
		Sentiment: string(decision.Sentiment),
		Reason:    sentiment.FormatReason(topics),
	}
}

func defaultTopics(utterances []string) []sentiment.Topic {
	detail := "Customer asked to speak with an agent"
	if n := len(utterances); n > 0 {
		detail = utterances[n-1]
	}
	return []sentiment.Topic{{Title: defaultTitle, Detail: detail}}
}

func customerUtterances(entries []chat.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.From != chat.RoleUser {
			continue
		}
		if text := strings.TrimSpace(e.DisplayText()); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// parseClassifierOutput 解析大模型返回的 JSON。
func parseClassifierOutput(content string) (*classifierPayload, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &classifierPayload{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func formatHistory(entries []chat.Entry, limit int) string {
	if len(entries) == 0 {
		return "(no conversation yet)"
	}
	if limit < 1 {
		limit = 1
	}
	start := len(entries) - limit
	if start < 0 {
		start = 0
	}

	var builder strings.Builder
	for i := start; i < len(entries); i++ {
		content := strings.TrimSpace(entries[i].DisplayText())
		if content == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString(speaker(entries[i].From))
		builder.WriteString(": ")
		builder.WriteString(content)
	}
	if builder.Len() == 0 {
		return "(no conversation yet)"
	}
	return builder.String()
}

func speaker(role chat.Role) string {
	switch role {
	case chat.RoleUser:
		return "Customer"
	case chat.RoleBot:
		return "Bot"
	case chat.RoleAgent:
		return "Agent"
	default:
		return "System"
	}
}

func parseSentimentLabel(raw string) (sentiment.Label, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "POSITIVE":
		return sentiment.Positive, true
	case "NEGATIVE":
		return sentiment.Negative, true
	case "NEUTRAL":
		return sentiment.Neutral, true
	case "MIXED":
		return sentiment.Mixed, true
	default:
		return "", false
	}
}

type classifierPayload struct {
	Sentiment string `json:"sentiment"`
	Reasons   []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"reasons"`
}

const summarySystemPrompt = "You prepare a handover note for a human support agent who is about to take over a chat from a virtual assistant. Read the conversation and return only one JSON object with the fields: sentiment (one of POSITIVE/NEGATIVE/NEUTRAL/MIXED, describing the customer) and reasons (an array of at most 3 objects with a short title and a one-sentence detail explaining why the customer needs an agent). Output nothing else."

const summaryUserPrompt = "Conversation so far:\n{history}\n\nReturn the JSON."
