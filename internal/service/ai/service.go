// Package ai is the gateway to the hosted chat model. It exposes the two
// streaming operations the widget consumes: text chat with history, and
// single-turn image question answering.
package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/linyuheng/chatbubble/backend/internal/config"
	"github.com/linyuheng/chatbubble/backend/internal/model/chat"
)

// systemPrompt shapes every text reply the assistant produces.
const systemPrompt = "You are a friendly, helpful, and slightly witty AI assistant. " +
	"You can handle text, voice, and image-based queries. " +
	"Keep your responses concise but informative."

// Service wraps the Ark chat model behind the widget's reply operations.
type Service struct {
	chatModel model.ChatModel
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService builds the chat chain (system prompt, history placeholder, user
// query) over the configured model.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		chain:     runnable,
	}, nil
}

// StreamChatReply streams the model's reply to prompt given the prior
// conversation. The stream ends by io.EOF from Recv; there is no explicit
// done chunk.
func (s *Service) StreamChatReply(ctx context.Context, userPrompt string, history []chat.Message) (*schema.StreamReader[*schema.Message], error) {
	input := map[string]any{
		"system":  systemPrompt,
		"history": buildHistory(history),
		"query":   userPrompt,
	}

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream chat reply: %w", err)
	}
	return stream, nil
}

// StreamImageReply streams a single-turn answer about a base64 image. No
// conversation context is attached.
func (s *Service) StreamImageReply(ctx context.Context, imageB64, userPrompt string) (*schema.StreamReader[*schema.Message], error) {
	msg := &schema.Message{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			{
				Type: schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{
					URL:      imageDataURI(imageB64),
					MIMEType: "image/jpeg",
				},
			},
			{
				Type: schema.ChatMessagePartTypeText,
				Text: userPrompt,
			},
		},
	}

	stream, err := s.chatModel.Stream(ctx, []*schema.Message{msg})
	if err != nil {
		return nil, fmt.Errorf("failed to stream image reply: %w", err)
	}
	return stream, nil
}

// buildHistory converts finalized session messages to model messages. The
// canonical greeting and empty bot placeholders never reach the API.
func buildHistory(history []chat.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		if msg.ID == chat.GreetingID {
			continue
		}
		switch msg.Sender {
		case chat.SenderUser:
			out = append(out, schema.UserMessage(msg.Text))
		case chat.SenderBot:
			if msg.Text == "" {
				continue
			}
			out = append(out, schema.AssistantMessage(msg.Text, nil))
		}
	}
	return out
}

// imageDataURI normalizes captures to a data URI; the front end may send
// either the full URI or the bare base64 payload.
func imageDataURI(imageB64 string) string {
	if strings.HasPrefix(imageB64, "data:") {
		return imageB64
	}
	return "data:image/jpeg;base64," + imageB64
}
