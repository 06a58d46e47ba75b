package telegram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"chatdesk/internal/chat"
	"chatdesk/internal/plan"
)

const (
	cbPrefix = "cd:"

	cbMenu     = cbPrefix + "menu"
	cbSessions = cbPrefix + "sessions"
	cbNew      = cbPrefix + "new"
	cbModels   = cbPrefix + "models"
	cbPlans    = cbPrefix + "plans"
	cbHistory  = cbPrefix + "history"
	cbWhoami   = cbPrefix + "whoami"

	cbUsePrefix   = cbPrefix + "use:"
	cbModelPrefix = cbPrefix + "model:"

	// Telegram rejects callback data longer than this.
	maxCallbackData = 64

	maxPickerButtons = 10
	historyLimit     = 10
	historySnippet   = 300
)

func (s *Service) menu(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.sendMainMenu(ctx, b)
}

func (s *Service) sendMainMenu(ctx *ext.Context, b *gotgbot.Bot) error {
	return s.replyWithMarkup(ctx, b, mainMenuText(), mainMenuKeyboard())
}

func helpText() string {
	return strings.Join([]string{
		"Commands:",
		"/login <user> <password> - sign in (private chat only)",
		"/logout - sign out",
		"/whoami - current account",
		"/sessions - list your chats",
		"/new [title] - start a new chat",
		"/use <id> - switch to a chat (id or id prefix)",
		"/rename <title> - rename the current chat",
		"/model <name> - change the model of the current chat",
		"/models - models your plan includes",
		"/plans - available plans",
		"/history - recent messages of the current chat",
		"/cancel - abort a pending prompt",
		"",
		"Any other text in a private chat is sent to the current chat.",
	}, "\n")
}

func mainMenuText() string {
	return "chatdesk menu\n\nUse the buttons below or /help for the command list."
}

func mainMenuKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "My chats", CallbackData: cbSessions},
			{Text: "New chat", CallbackData: cbNew},
		},
		{
			{Text: "Models", CallbackData: cbModels},
			{Text: "Plans", CallbackData: cbPlans},
		},
		{
			{Text: "History", CallbackData: cbHistory},
			{Text: "Account", CallbackData: cbWhoami},
		},
	}}
}

func backToMenuKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{{Text: "Back to menu", CallbackData: cbMenu}},
	}}
}

// sessionsText lists sessions, marking the active one.
func sessionsText(sessions []chat.Session, activeID string) string {
	if len(sessions) == 0 {
		return "You have no chats yet. Send a message or use /new."
	}
	lines := []string{"Your chats:"}
	for _, sess := range sessions {
		mark := "-"
		if sess.ID == activeID {
			mark = "*"
		}
		line := fmt.Sprintf("%s %s [%s] %s (%d msgs)", mark, sess.Title, shortID(sess.ID), sess.Model, sess.MessageCount)
		lines = append(lines, line)
		if sess.LastMessage != "" {
			lines = append(lines, "    "+sess.LastMessage)
		}
	}
	return strings.Join(lines, "\n")
}

func sessionPickerKeyboard(sessions []chat.Session, activeID string) *gotgbot.InlineKeyboardMarkup {
	rows := make([][]gotgbot.InlineKeyboardButton, 0, maxPickerButtons+1)
	for i, sess := range sessions {
		if i == maxPickerButtons {
			break
		}
		data := cbUsePrefix + sess.ID
		if len(data) > maxCallbackData {
			continue
		}
		label := clipRunes(sess.Title, 32)
		if sess.ID == activeID {
			label = "• " + label
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: label, CallbackData: data}})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{
		{Text: "New chat", CallbackData: cbNew},
		{Text: "Back to menu", CallbackData: cbMenu},
	})
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func modelsText(allowed []string, current string) string {
	if len(allowed) == 0 {
		return "Your plan places no restriction on models. Use /model <name>."
	}
	lines := []string{"Models in your plan:"}
	for _, name := range allowed {
		mark := "-"
		if name == current {
			mark = "*"
		}
		lines = append(lines, fmt.Sprintf("%s %s (%s)", mark, plan.Model{Name: name}.DisplayName(), name))
	}
	return strings.Join(lines, "\n")
}

func modelPickerKeyboard(allowed []string) *gotgbot.InlineKeyboardMarkup {
	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(allowed)+1)
	for _, name := range allowed {
		data := cbModelPrefix + name
		if len(data) > maxCallbackData {
			continue
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: plan.Model{Name: name}.DisplayName(), CallbackData: data}})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: "Back to menu", CallbackData: cbMenu}})
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func plansText(plans []plan.Plan) string {
	if len(plans) == 0 {
		return "No plans are available right now."
	}
	var blocks []string
	for _, p := range plans {
		head := p.Name
		if p.Popular {
			head += " (popular)"
		}
		price := plan.FormatPrice(p.Price)
		if !p.Free() {
			price += " / " + p.Duration.String()
		}
		if p.OriginalPrice.Valid {
			price += fmt.Sprintf(" (was %s)", plan.FormatPrice(p.OriginalPrice.Decimal))
		}
		lines := []string{head, price, "Tokens: " + p.Limits.Tokens, "Images: " + p.Limits.Images, "Audio: " + p.Limits.Audio}
		if len(p.Models) > 0 {
			lines = append(lines, "Models: "+strings.Join(plan.ModelNames(p.Models), ", "))
		}
		blocks = append(blocks, strings.Join(lines, "\n"))
	}
	return strings.Join(blocks, "\n\n")
}

// historyText renders the newest messages, oldest first.
func historyText(title string, msgs []chat.Message) string {
	if len(msgs) == 0 {
		return "No messages in " + title + " yet."
	}
	if len(msgs) > historyLimit {
		msgs = msgs[len(msgs)-historyLimit:]
	}
	lines := []string{"Recent messages in " + title + ":"}
	for _, m := range msgs {
		who := "Assistant"
		if m.Role() == chat.RoleUser {
			who = "You"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", who, clipRunes(m.Content, historySnippet)))
	}
	return strings.Join(lines, "\n")
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func clipRunes(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, opts)
	return err
}
