package telegram

import (
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}

	data := strings.TrimSpace(ctx.CallbackQuery.Data)
	s.answerCallback(b, ctx, "", false)

	if id, ok := strings.CutPrefix(data, cbUsePrefix); ok {
		return s.switchSession(ctx, b, id)
	}
	if name, ok := strings.CutPrefix(data, cbModelPrefix); ok {
		return s.switchModel(ctx, b, name)
	}

	switch data {
	case cbMenu:
		return s.editOrReplyCallback(ctx, b, mainMenuText(), mainMenuKeyboard())

	case cbSessions:
		text, markup, err := s.sessionsView(ctx, b)
		if err != nil || text == "" {
			return err
		}
		return s.editOrReplyCallback(ctx, b, text, markup)

	case cbNew:
		return s.createSession(ctx, b, "")

	case cbModels:
		return s.models(b, ctx)

	case cbPlans:
		return s.plans(b, ctx)

	case cbHistory:
		return s.history(b, ctx)

	case cbWhoami:
		return s.whoami(b, ctx)

	default:
		s.answerCallback(b, ctx, fmt.Sprintf("Unknown action: %s", data), true)
		return nil
	}
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

func (s *Service) editOrReplyCallback(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		opts := &gotgbot.EditMessageTextOpts{}
		if markup != nil {
			opts.ReplyMarkup = *markup
		}
		_, _, err := ctx.CallbackQuery.Message.EditText(b, text, opts)
		if err == nil {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
			return nil
		}
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}
