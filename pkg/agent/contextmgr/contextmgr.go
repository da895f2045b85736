// Package contextmgr selects the messages that feed the next LLM prompt
// and compacts long threads by summarizing older history. A summary
// message acts as a checkpoint: prompt assembly never reaches past it.
package contextmgr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kortix-ai/agentpress/ent"
	"github.com/kortix-ai/agentpress/ent/message"
	"github.com/kortix-ai/agentpress/pkg/llm"
	"github.com/kortix-ai/agentpress/pkg/models"
)

// minSummarizableMessages is the smallest batch worth compacting.
const minSummarizableMessages = 3

const summarySystemPrompt = `You are a conversation summarizer. Produce a concise summary of the conversation below that preserves every fact, decision, file path, tool outcome, and open task needed to continue the work. Write it as a single narrative paragraph block. Do not add commentary about the summarization itself.`

// MessageStore is the slice of the message service the manager needs.
type MessageStore interface {
	GetLLMVisibleMessages(ctx context.Context, threadID string) ([]*ent.Message, error)
	CreateMessage(ctx context.Context, req models.CreateMessageRequest) (*ent.Message, error)
}

// Manager builds effective message lists and triggers summarization.
type Manager struct {
	store   MessageStore
	llm     llm.Client
	counter *TokenCounter
	logger  *slog.Logger
}

func NewManager(store MessageStore, llmClient llm.Client, counter *TokenCounter, logger *slog.Logger) *Manager {
	return &Manager{
		store:   store,
		llm:     llmClient,
		counter: counter,
		logger:  logger.With("component", "contextmgr"),
	}
}

// EffectiveMessages returns the messages for the next prompt: the newest
// summary (if any) followed by everything after it, in chronological
// order. A thread without a summary returns all LLM-visible messages.
func (m *Manager) EffectiveMessages(ctx context.Context, threadID string) ([]*ent.Message, error) {
	msgs, err := m.store.GetLLMVisibleMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread messages: %w", err)
	}

	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Kind == message.KindSummary {
			return msgs[i:], nil
		}
	}
	return msgs, nil
}

// PromptTokens estimates the token cost of a prompt built from these
// messages plus the system prompt.
func (m *Manager) PromptTokens(systemPrompt string, msgs []*ent.Message) int {
	total := m.counter.CountMessage(systemPrompt)
	for _, msg := range msgs {
		total += m.counter.CountMessage(msg.Content)
		for _, tc := range msg.ToolCalls {
			if args, ok := tc["arguments"].(string); ok {
				total += m.counter.Count(args)
			}
		}
	}
	return total
}

// MaybeSummarize compacts the thread when the effective prompt exceeds
// threshold tokens. It issues a separate LLM call over the messages
// since the last summary and persists the result as a summary message
// whose covers_until is the created_at of the newest message it covers.
// Returns true when a summary was created.
func (m *Manager) MaybeSummarize(ctx context.Context, threadID string, threshold int, model string) (bool, error) {
	if threshold <= 0 {
		return false, nil
	}

	effective, err := m.EffectiveMessages(ctx, threadID)
	if err != nil {
		return false, err
	}

	// Messages since the last summary are the compaction candidates.
	candidates := effective
	if len(candidates) > 0 && candidates[0].Kind == message.KindSummary {
		candidates = candidates[1:]
	}
	if len(candidates) < minSummarizableMessages {
		return false, nil
	}
	if m.PromptTokens("", effective) <= threshold {
		return false, nil
	}

	summary, err := m.summarize(ctx, threadID, model, effective)
	if err != nil {
		return false, fmt.Errorf("summarization failed: %w", err)
	}

	newest := candidates[len(candidates)-1]
	coversUntil := newest.CreatedAt
	if _, err := m.store.CreateMessage(ctx, models.CreateMessageRequest{
		ThreadID:    threadID,
		Kind:        message.KindSummary,
		Content:     summary,
		CoversUntil: &coversUntil,
	}); err != nil {
		return false, fmt.Errorf("failed to persist summary: %w", err)
	}

	m.logger.Info("thread summarized",
		"thread_id", threadID,
		"messages_covered", len(candidates),
		"covers_until", coversUntil)
	return true, nil
}

// summarize runs the dedicated summarization call and collects the
// streamed text.
func (m *Manager) summarize(ctx context.Context, threadID, model string, msgs []*ent.Message) (string, error) {
	conversation := append(
		[]llm.ConversationMessage{{Role: "system", Content: summarySystemPrompt}},
		Conversation(msgs)...,
	)
	conversation = append(conversation, llm.ConversationMessage{
		Role:    "user",
		Content: "Summarize the conversation above.",
	})

	stream, err := m.llm.Generate(ctx, &llm.GenerateInput{
		ThreadID: threadID,
		Model:    model,
		Messages: conversation,
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range stream {
		switch c := chunk.(type) {
		case llm.TextChunk:
			sb.WriteString(c.Content)
		case llm.ErrorChunk:
			return "", fmt.Errorf("provider error: %s", c.Message)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("summarization produced no text")
	}
	return text, nil
}

// Conversation converts stored messages to the provider's wire shape.
// Summaries travel as assistant turns; status messages never reach here
// because they are not LLM-visible.
func Conversation(msgs []*ent.Message) []llm.ConversationMessage {
	out := make([]llm.ConversationMessage, 0, len(msgs))
	for _, msg := range msgs {
		cm := llm.ConversationMessage{Content: msg.Content}
		switch msg.Kind {
		case message.KindSystem:
			cm.Role = "system"
		case message.KindUser:
			cm.Role = "user"
		case message.KindAssistant, message.KindSummary:
			cm.Role = "assistant"
			for _, tc := range msg.ToolCalls {
				mtc := llm.MessageToolCall{}
				if id, ok := tc["id"].(string); ok {
					mtc.ID = id
				}
				if name, ok := tc["name"].(string); ok {
					mtc.Name = name
				}
				if args, ok := tc["arguments"].(string); ok {
					mtc.Arguments = args
				}
				cm.ToolCalls = append(cm.ToolCalls, mtc)
			}
		case message.KindToolResult:
			cm.Role = "tool"
			if msg.ToolCallID != nil {
				cm.ToolCallID = *msg.ToolCallID
			}
			if msg.ToolName != nil {
				cm.ToolName = *msg.ToolName
			}
		default:
			continue
		}
		out = append(out, cm)
	}
	return out
}
