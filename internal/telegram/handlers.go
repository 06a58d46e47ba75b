package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"chatdesk/internal/api"
	"chatdesk/internal/app"
	"chatdesk/internal/auth"
	"chatdesk/internal/chat"
	"chatdesk/internal/plan"
	"chatdesk/internal/queue"
	"chatdesk/internal/storage"
)

const (
	msgLoginFirst  = "Please /login first."
	msgUnavailable = "The chat service is unavailable right now. Please try again later."
	msgNoSession   = "No active chat. Use /sessions to pick one or /new to start one."
)

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.replyWithMarkup(ctx, b, helpText(), backToMenuKeyboard())
}

func (s *Service) start(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	c, cancel := s.opCtx()
	defer cancel()
	if _, err := s.binding(c, ctx.EffectiveChat.Id); err != nil {
		s.logger.Error().Err(err).Int64("chat_id", ctx.EffectiveChat.Id).Msg("failed to bind chat")
	}

	args := ctx.Args()
	if ctx.EffectiveChat.Type == "private" && len(args) > 1 && args[1] == "login" {
		return s.beginLogin(ctx, b, "")
	}
	return s.replyWithMarkup(ctx, b, "Welcome to chatdesk.\n\n"+helpText(), mainMenuKeyboard())
}

func (s *Service) cancelWizard(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	if err := s.wizard.Clear(context.Background(), ctx.EffectiveChat.Id); err != nil {
		return s.reply(ctx, b, "Failed to cancel right now.")
	}
	return s.reply(ctx, b, "Canceled.")
}

func (s *Service) login(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil {
		return nil
	}
	if ctx.EffectiveChat.Type != "private" {
		if link := s.deepLink(b, "login"); link != "" {
			return s.reply(ctx, b, "Sign in from a private chat: "+link)
		}
		return s.reply(ctx, b, "Use /login in a private chat with me.")
	}

	user, password := splitFirstWord(commandRemainder(msg.GetText()))
	if password != "" {
		s.forgetMessage(b, ctx.EffectiveChat.Id, msg.MessageId)
		return s.doLogin(ctx, b, user, password)
	}
	return s.beginLogin(ctx, b, user)
}

func (s *Service) beginLogin(ctx *ext.Context, b *gotgbot.Bot, user string) error {
	state := wizardState{Step: stepLoginUser}
	prompt := "Send your username or email. /cancel to abort."
	if user != "" {
		state = wizardState{Step: stepLoginPassword, UserName: user}
		prompt = "Send your password. The message is deleted right after."
	}
	if err := s.wizard.Set(context.Background(), ctx.EffectiveChat.Id, state); err != nil {
		s.logger.Error().Err(err).Msg("wizard save failed")
		return s.reply(ctx, b, "Failed to start sign in. Try /login <user> <password>.")
	}
	return s.reply(ctx, b, prompt)
}

func (s *Service) doLogin(ctx *ext.Context, b *gotgbot.Bot, user, password string) error {
	chatID := ctx.EffectiveChat.Id
	c, cancel := s.opCtx()
	defer cancel()

	p, err := s.profiles.Profile(c, ProfileName(chatID))
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("profile unavailable")
		return s.reply(ctx, b, msgUnavailable)
	}
	cred, err := p.Session.Login(c, user, password, true)
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			_ = s.audit(ProfileName(chatID), "login_failed", map[string]any{"user": user})
			return s.reply(ctx, b, "Wrong username or password.")
		}
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("login failed")
		return s.reply(ctx, b, msgUnavailable)
	}
	if _, err := s.binding(c, chatID); err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("failed to bind chat")
	}
	_ = s.audit(ProfileName(chatID), "login", map[string]any{"user": cred.User.UserName})
	return s.replyWithMarkup(ctx, b, fmt.Sprintf("Signed in as %s. Send a message to start chatting.", displayUser(cred.User)), mainMenuKeyboard())
}

func (s *Service) logout(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	chatID := ctx.EffectiveChat.Id
	name := ProfileName(chatID)
	c, cancel := s.opCtx()
	defer cancel()

	p, err := s.profiles.Profile(c, name)
	if err != nil {
		return s.reply(ctx, b, msgUnavailable)
	}
	if err := p.Session.Logout(c); err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("logout failed")
		return s.reply(ctx, b, "Failed to sign out right now.")
	}
	s.profiles.Forget(name)
	if err := s.store.DeleteBinding(c, chatID); err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to drop binding")
	}
	_ = s.wizard.Clear(c, chatID)
	_ = s.audit(name, "logout", nil)
	return s.reply(ctx, b, "Signed out.")
}

func (s *Service) whoami(b *gotgbot.Bot, ctx *ext.Context) error {
	c, cancel := s.opCtx()
	defer cancel()
	p, ok := s.signedIn(c, b, ctx)
	if !ok {
		return nil
	}
	cred, _ := p.Session.Current()
	return s.reply(ctx, b, whoamiText(cred))
}

func (s *Service) sessions(b *gotgbot.Bot, ctx *ext.Context) error {
	text, markup, err := s.sessionsView(ctx, b)
	if err != nil || text == "" {
		return err
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}

func (s *Service) sessionsView(ctx *ext.Context, b *gotgbot.Bot) (string, *gotgbot.InlineKeyboardMarkup, error) {
	c, cancel := s.opCtx()
	defer cancel()
	p, ok := s.signedIn(c, b, ctx)
	if !ok {
		return "", nil, nil
	}
	list, err := p.Sessions.Load(c)
	if err != nil {
		return "", nil, s.fail(ctx, b, err, "list sessions")
	}
	active := s.activeSessionID(c, ctx.EffectiveChat.Id)
	return sessionsText(list, active), sessionPickerKeyboard(list, active), nil
}

func (s *Service) newSession(b *gotgbot.Bot, ctx *ext.Context) error {
	title := ""
	if ctx.EffectiveMessage != nil && strings.HasPrefix(ctx.EffectiveMessage.GetText(), "/") {
		title = strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	}
	return s.createSession(ctx, b, title)
}

func (s *Service) createSession(ctx *ext.Context, b *gotgbot.Bot, title string) error {
	c, cancel := s.opCtx()
	defer cancel()
	p, ok := s.signedIn(c, b, ctx)
	if !ok {
		return nil
	}
	chatID := ctx.EffectiveChat.Id
	bnd, err := s.binding(c, chatID)
	if err != nil {
		return s.fail(ctx, b, err, "load binding")
	}
	sess, err := p.CreateSession(c, title, bnd.Model)
	if err != nil {
		return s.fail(ctx, b, err, "create session")
	}
	if err := s.store.SetActiveSession(c, chatID, sess.ID, sess.Model); err != nil {
		return s.fail(ctx, b, err, "bind session")
	}
	_ = s.audit(ProfileName(chatID), "session_created", map[string]any{"session_id": sess.ID, "source": "command"})
	return s.reply(ctx, b, fmt.Sprintf("Started %q [%s] using %s. Send a message to begin.", sess.Title, shortID(sess.ID), sess.Model))
}

func (s *Service) useSession(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveMessage == nil {
		return nil
	}
	ref := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if ref == "" {
		return s.reply(ctx, b, "Usage: /use <id>")
	}
	return s.switchSession(ctx, b, ref)
}

func (s *Service) switchSession(ctx *ext.Context, b *gotgbot.Bot, ref string) error {
	c, cancel := s.opCtx()
	defer cancel()
	p, ok := s.signedIn(c, b, ctx)
	if !ok {
		return nil
	}
	if _, err := p.Sessions.Load(c); err != nil {
		return s.fail(ctx, b, err, "list sessions")
	}
	sess, found := p.Sessions.Find(ref)
	if !found {
		return s.reply(ctx, b, "No chat matches "+ref+". Use /sessions to see your chats.")
	}
	chatID := ctx.EffectiveChat.Id
	if _, err := s.binding(c, chatID); err != nil {
		return s.fail(ctx, b, err, "load binding")
	}
	if err := s.store.SetActiveSession(c, chatID, sess.ID, sess.Model); err != nil {
		return s.fail(ctx, b, err, "bind session")
	}
	_ = s.audit(ProfileName(chatID), "session_selected", map[string]any{"session_id": sess.ID})
	return s.reply(ctx, b, fmt.Sprintf("Now chatting in %q [%s].", sess.Title, shortID(sess.ID)))
}

func (s *Service) rename(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveMessage == nil || ctx.EffectiveChat == nil {
		return nil
	}
	title := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	c, cancel := s.opCtx()
	defer cancel()
	active := s.activeSessionID(c, ctx.EffectiveChat.Id)
	if active == "" {
		return s.reply(ctx, b, msgNoSession)
	}
	if title == "" {
		if err := s.wizard.Set(c, ctx.EffectiveChat.Id, wizardState{Step: stepRename, SessionID: active}); err != nil {
			return s.reply(ctx, b, "Usage: /rename <title>")
		}
		return s.reply(ctx, b, "Send the new title. /cancel to abort.")
	}
	return s.renameSession(ctx, b, active, title)
}

func (s *Service) renameSession(ctx *ext.Context, b *gotgbot.Bot, sessionID, title string) error {
	c, cancel := s.opCtx()
	defer cancel()
	p, ok := s.signedIn(c, b, ctx)
	if !ok {
		return nil
	}
	if err := p.Sessions.Rename(c, sessionID, title); err != nil {
		return s.fail(ctx, b, err, "rename session")
	}
	_ = s.audit(ProfileName(ctx.EffectiveChat.Id), "session_renamed", map[string]any{"session_id": sessionID, "title": title})
	return s.reply(ctx, b, fmt.Sprintf("Renamed to %q.", title))
}

func (s *Service) model(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveMessage == nil {
		return nil
	}
	name := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if name == "" {
		return s.models(b, ctx)
	}
	return s.switchModel(ctx, b, name)
}

// switchModel changes the model of the active chat, or the model new
// chats start with when none is active.
func (s *Service) switchModel(ctx *ext.Context, b *gotgbot.Bot, name string) error {
	c, cancel := s.opCtx()
	defer cancel()
	p, ok := s.signedIn(c, b, ctx)
	if !ok {
		return nil
	}
	chatID := ctx.EffectiveChat.Id
	bnd, err := s.binding(c, chatID)
	if err != nil {
		return s.fail(ctx, b, err, "load binding")
	}

	if bnd.ActiveSessionID == "" {
		if err := p.Plans.ValidateModel(c, name); err != nil {
			return s.fail(ctx, b, err, "validate model")
		}
		if err := s.store.SetBindingModel(c, chatID, name); err != nil {
			return s.fail(ctx, b, err, "save model")
		}
		return s.reply(ctx, b, "New chats will use "+name+".")
	}

	if _, err := p.Sessions.Load(c); err != nil {
		return s.fail(ctx, b, err, "list sessions")
	}
	if err := p.ChangeModel(c, bnd.ActiveSessionID, name); err != nil {
		return s.fail(ctx, b, err, "change model")
	}
	if err := s.store.SetActiveSession(c, chatID, bnd.ActiveSessionID, name); err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to store model")
	}
	_ = s.audit(ProfileName(chatID), "model_changed", map[string]any{"session_id": bnd.ActiveSessionID, "model": name})
	return s.reply(ctx, b, "This chat now uses "+name+".")
}

func (s *Service) models(b *gotgbot.Bot, ctx *ext.Context) error {
	c, cancel := s.opCtx()
	defer cancel()
	p, ok := s.signedIn(c, b, ctx)
	if !ok {
		return nil
	}
	allowed, err := p.Plans.AllowedModels(c)
	if err != nil {
		return s.fail(ctx, b, err, "load models")
	}
	current := ""
	if bnd, err := s.store.GetBinding(c, ctx.EffectiveChat.Id); err == nil {
		current = bnd.Model
	}
	return s.replyWithMarkup(ctx, b, modelsText(allowed, current), modelPickerKeyboard(allowed))
}

func (s *Service) plans(b *gotgbot.Bot, ctx *ext.Context) error {
	c, cancel := s.opCtx()
	defer cancel()
	p, ok := s.signedIn(c, b, ctx)
	if !ok {
		return nil
	}
	list, err := p.Plans.Active(c)
	if err != nil {
		return s.fail(ctx, b, err, "load plans")
	}
	return s.replyWithMarkup(ctx, b, plansText(list), backToMenuKeyboard())
}

func (s *Service) history(b *gotgbot.Bot, ctx *ext.Context) error {
	c, cancel := s.opCtx()
	defer cancel()
	p, ok := s.signedIn(c, b, ctx)
	if !ok {
		return nil
	}
	active := s.activeSessionID(c, ctx.EffectiveChat.Id)
	if active == "" {
		return s.reply(ctx, b, msgNoSession)
	}
	conv := p.Conversation(active)
	if err := conv.LoadPage(c, 1); err != nil {
		return s.fail(ctx, b, err, "load history")
	}
	title := shortID(active)
	if sess, found := p.Sessions.Find(active); found {
		title = sess.Title
	}
	return s.reply(ctx, b, historyText(title, conv.Messages()))
}

func (s *Service) privateText(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if ctx.EffectiveChat == nil || msg == nil || ctx.EffectiveChat.Type != "private" {
		return nil
	}
	text := strings.TrimSpace(msg.GetText())
	if text == "" || strings.HasPrefix(text, "/") {
		return nil
	}
	chatID := ctx.EffectiveChat.Id

	state, err := s.wizard.Get(context.Background(), chatID)
	if err != nil {
		s.logger.Error().Err(err).Msg("wizard load failed")
	}
	if state != nil {
		return s.continueWizard(ctx, b, state, text)
	}

	if !s.withinQuota(chatID, userID(ctx), b, ctx) {
		return nil
	}

	c, cancel := s.opCtx()
	defer cancel()
	bnd, err := s.binding(c, chatID)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("failed to bind chat")
		return s.reply(ctx, b, msgUnavailable)
	}
	job := queue.SendJob{
		ChatID:    chatID,
		UserID:    userID(ctx),
		MessageID: msg.MessageId,
		Profile:   bnd.Profile,
		SessionID: bnd.ActiveSessionID,
		Text:      text,
	}
	if _, err := s.queue.Enqueue(c, job); err != nil {
		s.logger.Error().Err(err).Msg("failed to enqueue send job")
		return s.reply(ctx, b, "Queue is unavailable right now.")
	}
	s.metrics.EnqueuedJobs.Inc()
	_, _ = b.SendChatAction(chatID, "typing", nil)
	return nil
}

func (s *Service) continueWizard(ctx *ext.Context, b *gotgbot.Bot, state *wizardState, text string) error {
	chatID := ctx.EffectiveChat.Id
	switch state.Step {
	case stepLoginUser:
		return s.beginLogin(ctx, b, text)

	case stepLoginPassword:
		_ = s.wizard.Clear(context.Background(), chatID)
		s.forgetMessage(b, chatID, ctx.EffectiveMessage.MessageId)
		return s.doLogin(ctx, b, state.UserName, text)

	case stepRename:
		_ = s.wizard.Clear(context.Background(), chatID)
		return s.renameSession(ctx, b, state.SessionID, text)
	}
	_ = s.wizard.Clear(context.Background(), chatID)
	return nil
}

// signedIn returns the chat's profile when it holds a usable token and
// otherwise tells the user what to do.
func (s *Service) signedIn(c context.Context, b *gotgbot.Bot, ctx *ext.Context) (*app.Profile, bool) {
	if ctx.EffectiveChat == nil {
		return nil, false
	}
	p, err := s.profiles.Profile(c, ProfileName(ctx.EffectiveChat.Id))
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", ctx.EffectiveChat.Id).Msg("profile unavailable")
		_ = s.reply(ctx, b, msgUnavailable)
		return nil, false
	}
	if _, err := p.Session.Token(c); err != nil {
		if errors.Is(err, auth.ErrLoginRequired) {
			_ = s.reply(ctx, b, msgLoginFirst)
		} else {
			_ = s.reply(ctx, b, msgUnavailable)
		}
		return nil, false
	}
	return p, true
}

func (s *Service) activeSessionID(c context.Context, chatID int64) string {
	bnd, err := s.store.GetBinding(c, chatID)
	if err != nil {
		return ""
	}
	return bnd.ActiveSessionID
}

// fail answers err with a message the user can act on.
func (s *Service) fail(ctx *ext.Context, b *gotgbot.Bot, err error, op string) error {
	s.logger.Warn().Err(err).Str("op", op).Msg("command failed")
	return s.reply(ctx, b, failureText(err))
}

func failureText(err error) string {
	switch {
	case errors.Is(err, plan.ErrModelNotAllowed):
		return "That model is not part of your plan. See /models."
	case errors.Is(err, auth.ErrLoginRequired):
		return msgLoginFirst
	case errors.Is(err, api.ErrForbidden):
		return "The backend refused this action."
	case errors.Is(err, api.ErrNotFound), errors.Is(err, chat.ErrSessionNotFound), errors.Is(err, storage.ErrNotFound):
		return "Not found. It may have been deleted."
	}
	return msgUnavailable
}

func whoamiText(cred auth.Credential) string {
	lines := []string{"Signed in as " + displayUser(cred.User)}
	if cred.User.Email != "" {
		lines = append(lines, "Email: "+cred.User.Email)
	}
	if !cred.ExpiresAt.IsZero() {
		lines = append(lines, "Token valid until "+cred.ExpiresAt.UTC().Format("2006-01-02 15:04 UTC"))
	}
	if cred.RememberMe {
		lines = append(lines, "Stays signed in across restarts.")
	}
	return strings.Join(lines, "\n")
}

func displayUser(u api.User) string {
	full := strings.TrimSpace(u.FirstName + " " + u.LastName)
	switch {
	case full != "" && u.UserName != "":
		return full + " (" + u.UserName + ")"
	case u.UserName != "":
		return u.UserName
	case full != "":
		return full
	}
	return u.Email
}

// forgetMessage removes a message that carried a password.
func (s *Service) forgetMessage(b *gotgbot.Bot, chatID, messageID int64) {
	if _, err := b.DeleteMessage(chatID, messageID, nil); err != nil {
		s.logger.Debug().Err(err).Int64("chat_id", chatID).Msg("could not delete credential message")
	}
}

// withinQuota takes one send from the member's hourly quota and tells the
// member when it is spent. A failing quota store lets the message through.
func (s *Service) withinQuota(chatID, userID int64, b *gotgbot.Bot, ctx *ext.Context) bool {
	if userID == 0 || s.quota == nil {
		return true
	}
	u, err := s.quota.Take(context.Background(), chatID, userID, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("send quota failed")
		return true
	}
	if u.Allowed {
		return true
	}
	s.metrics.RateLimitedMsgs.Inc()
	_ = s.reply(ctx, b, fmt.Sprintf("You have sent %d messages this hour. Try again after %s.", u.Limit, u.ResetAt.Format("15:04 UTC")))
	return false
}

func (s *Service) audit(profile, action string, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	raw, _ := json.Marshal(meta)
	return s.store.LogAction(context.Background(), storage.AuditEntry{
		Profile:  profile,
		Action:   action,
		MetaJSON: string(raw),
	})
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	return err
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

func userID(ctx *ext.Context) int64 {
	if ctx.EffectiveUser == nil {
		return 0
	}
	return ctx.EffectiveUser.Id
}
