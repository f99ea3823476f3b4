// Package telegramnotify implements the action that pushes a message
// to a Telegram chat when a schedule fires.
package telegramnotify

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"schedengine/internal/action"
	"schedengine/internal/shared"
)

// ID is the action id telegramnotify registers under.
const ID = "system.telegram-notify"

// Sender is the part of bot.Bot the handler uses.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// New builds the notify handler. The chat id and text come from the
// schedule's action params.
func New(sender Sender) action.Handler {
	return func(ctx context.Context, params map[string]any, actx action.Context) (action.Result, error) {
		chatID, err := chatIDFrom(params)
		if err != nil {
			return action.Result{}, err
		}
		text, _ := params["message"].(string)
		if text == "" {
			return action.Result{}, shared.Wrap(shared.ErrValidation, "message is required")
		}

		_, err = sender.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
		if err != nil {
			return action.Result{}, fmt.Errorf("send telegram message: %w", err)
		}
		return action.Success("telegram message sent", fmt.Sprintf("chat %v", chatID)), nil
	}
}

// chatIDFrom accepts numeric ids and @channel names. JSON numbers
// arrive as float64, stored configs may carry strings.
func chatIDFrom(params map[string]any) (any, error) {
	switch v := params["chat_id"].(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case string:
		if v != "" {
			return v, nil
		}
	}
	return nil, shared.Wrap(shared.ErrValidation, "chat_id is required")
}
