package groq

import (
	"github.com/jinzhu/copier"

	"github.com/koscakluka/ema-turncore/core/llms"
)

type message struct {
	Role    messageRole `json:"role"`
	Content string      `json:"content"`
}

type messageRole string

const (
	messageRoleSystem    messageRole = "system"
	messageRoleUser      messageRole = "user"
	messageRoleAssistant messageRole = "assistant"
)

func toMessages(instructions string, turns []llms.Turn) []message {
	messages := []message{}
	if instructions != "" {
		messages = append(messages, message{
			Role:    messageRoleSystem,
			Content: instructions,
		})
	}

	var history []message
	if err := copier.Copy(&history, llms.History(turns)); err != nil {
		logger.Warn("failed to copy conversation history", "error", err)
		return messages
	}
	for _, msg := range history {
		if msg.Content == "" {
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}
