package mockbackend

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chatdesk/internal/api"
)

func respondError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"message": msg})
}

func respondStateError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errNotFound):
		respondError(c, http.StatusNotFound, "not found")
	case errors.Is(err, errDuplicate):
		respondError(c, http.StatusConflict, err.Error())
	default:
		respondError(c, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) loginResponse(c *gin.Context, u api.User) {
	token, exp, err := s.tokens.Sign(u.ID, u.UserName, s.now())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to sign token")
		return
	}
	c.JSON(http.StatusOK, api.LoginResponse{
		AccessToken:  token,
		RefreshToken: s.state.issueRefresh(u.ID),
		ExpiresAt:    api.NewTime(exp),
		TokenType:    "Bearer",
		User:         u,
	})
}

func (s *Server) login(c *gin.Context) {
	var req api.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	u, err := s.state.authenticate(strings.TrimSpace(req.EmailOrUsername), req.Password)
	if err != nil {
		respondError(c, http.StatusUnauthorized, err.Error())
		return
	}
	s.loginResponse(c, u)
}

func (s *Server) register(c *gin.Context) {
	var req api.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserName) == "" || strings.TrimSpace(req.Email) == "" || len(req.Password) < 6 {
		respondError(c, http.StatusBadRequest, "userName, email and a password of at least 6 characters are required")
		return
	}
	u, err := s.state.addAccount(req, s.cfg.Models, s.now())
	if err != nil {
		respondStateError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.RegisterResponse{ID: u.ID, UserName: u.UserName, Email: u.Email, Message: "registered"})
}

func (s *Server) refreshToken(c *gin.Context) {
	var req api.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		respondError(c, http.StatusBadRequest, "refreshToken is required")
		return
	}
	u, err := s.state.redeemRefresh(req.RefreshToken)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	s.loginResponse(c, u)
}

func paging(c *gin.Context, defaultSize int) (page, size int) {
	page, _ = strconv.Atoi(c.Query("pageNumber"))
	size, _ = strconv.Atoi(c.Query("pageSize"))
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultSize
	}
	return page, size
}

func pageOf[T any](items []T, page, size int) []T {
	start := (page - 1) * size
	if start >= len(items) {
		return []T{}
	}
	end := min(start+size, len(items))
	return items[start:end]
}

func (s *Server) listSessions(c *gin.Context) {
	page, size := paging(c, 20)
	c.JSON(http.StatusOK, pageOf(s.state.sessionsOf(currentUser(c), nil), page, size))
}

func (s *Server) activeSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.sessionsOf(currentUser(c), func(item api.ChatSessionListItem) bool {
		return item.Status == 1
	}))
}

func (s *Server) searchSessions(c *gin.Context) {
	term := strings.ToLower(strings.TrimSpace(c.Query("searchTerm")))
	c.JSON(http.StatusOK, s.state.sessionsOf(currentUser(c), func(item api.ChatSessionListItem) bool {
		return term == "" || strings.Contains(strings.ToLower(item.Title), term)
	}))
}

func parseQueryTime(c *gin.Context, key string) (time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return time.Time{}, nil
	}
	var t api.Time
	if err := t.UnmarshalJSON([]byte(strconv.Quote(raw))); err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	return t.Time, nil
}

func (s *Server) sessionsBetween(c *gin.Context) {
	start, err := parseQueryTime(c, "startDate")
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseQueryTime(c, "endDate")
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, s.state.sessionsOf(currentUser(c), func(item api.ChatSessionListItem) bool {
		created := item.CreatedDate.Time
		return (start.IsZero() || !created.Before(start)) && (end.IsZero() || !created.After(end))
	}))
}

func (s *Server) createSession(c *gin.Context) {
	var req api.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "New Chat"
	}
	c.JSON(http.StatusOK, s.state.createSession(currentUser(c), title, strings.TrimSpace(req.ModelUsed), s.now()))
}

func (s *Server) getSession(c *gin.Context) {
	resp, err := s.state.getSession(currentUser(c), c.Param("id"))
	if err != nil {
		respondStateError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) renameSession(c *gin.Context) {
	var req api.UpdateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.NewTitle) == "" {
		respondError(c, http.StatusBadRequest, "sessionId and newTitle are required")
		return
	}
	err := s.state.updateSession(currentUser(c), req.SessionID, s.now(), func(r *api.ChatSessionResponse) {
		r.Title = strings.TrimSpace(req.NewTitle)
		if req.ModelUsed != "" {
			r.ModelUsed = req.ModelUsed
		}
	})
	if err != nil {
		respondStateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) changeSessionModel(c *gin.Context) {
	var req api.UpdateSessionModelRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ModelUsed) == "" {
		respondError(c, http.StatusBadRequest, "sessionId and modelUsed are required")
		return
	}
	owner := currentUser(c)
	if !s.modelAllowed(owner, req.ModelUsed) {
		respondError(c, http.StatusForbidden, "model is not included in your plan")
		return
	}
	err := s.state.updateSession(owner, req.SessionID, s.now(), func(r *api.ChatSessionResponse) {
		r.ModelUsed = req.ModelUsed
	})
	if err != nil {
		respondStateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) modelAllowed(owner, model string) bool {
	for _, m := range s.state.modelsOf(owner) {
		if m == model {
			return true
		}
	}
	return false
}

func (s *Server) cloneSession(c *gin.Context) {
	resp, err := s.state.cloneSession(currentUser(c), c.Param("id"), s.now())
	if err != nil {
		respondStateError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.state.deleteSession(currentUser(c), c.Param("id"), false, s.now()); err != nil {
		respondStateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) softDeleteSession(c *gin.Context) {
	if err := s.state.deleteSession(currentUser(c), c.Param("id"), true, s.now()); err != nil {
		respondStateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func approxTokens(text string) *int {
	n := len(strings.Fields(text))
	return &n
}

func (s *Server) sendMessage(c *gin.Context) {
	var req api.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" && len(req.Base64Images) == 0 {
		respondError(c, http.StatusBadRequest, "message is empty")
		return
	}
	owner := currentUser(c)
	sess, err := s.state.getSession(owner, req.SessionID)
	if err != nil {
		respondStateError(c, err)
		return
	}

	now := s.now()
	userMsg := api.ChatMessageDto{
		SessionID:     req.SessionID,
		Content:       req.Message,
		HasImage:      len(req.Base64Images) > 0,
		SenderType:    api.SenderUser,
		MessageStatus: 1,
		InputToken:    approxTokens(text),
		SentAt:        api.NewTime(now),
		CreatedDate:   api.NewTime(now),
	}
	for i := range req.Base64Images {
		userMsg.ImageURL = append(userMsg.ImageURL, fmt.Sprintf("/uploads/%s/%d.png", req.SessionID, i))
	}
	userMsg, err = s.state.appendMessage(owner, userMsg)
	if err != nil {
		respondStateError(c, err)
		return
	}

	reply := func(at time.Time) (api.ChatMessageDto, error) {
		model := sess.ModelUsed
		if model == "" {
			model = "assistant"
		}
		content := fmt.Sprintf("[%s] You said: %s", model, text)
		return s.state.appendMessage(owner, api.ChatMessageDto{
			SessionID:     req.SessionID,
			Content:       content,
			SenderType:    api.SenderAssistant,
			MessageStatus: 1,
			OutputToken:   approxTokens(content),
			SentAt:        api.NewTime(at),
			CreatedDate:   api.NewTime(at),
		})
	}

	switch s.cfg.ReplyMode {
	case ReplyEmbedded:
		assistant, err := reply(now.Add(time.Millisecond))
		if err != nil {
			respondStateError(c, err)
			return
		}
		c.JSON(http.StatusOK, api.SendMessageResult{UserMessage: &userMsg, AssistantMessage: &assistant})
	case ReplyAsync:
		s.later(s.cfg.ReplyDelay, func() {
			if _, err := reply(s.now()); err != nil {
				s.cfg.Logger.Debug().Err(err).Str("session_id", req.SessionID).Msg("async reply dropped")
			}
		})
		c.JSON(http.StatusOK, userMsg)
	default:
		c.JSON(http.StatusOK, userMsg)
	}
}

func (s *Server) sessionMessages(c *gin.Context) {
	page, size := paging(c, 50)
	start, err := parseQueryTime(c, "startDate")
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseQueryTime(c, "endDate")
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	includeDeleted, _ := strconv.ParseBool(c.Query("includeDeleted"))

	all, err := s.state.sessionMessages(currentUser(c), c.Param("id"), func(m api.ChatMessageDto) bool {
		if !m.IsActive && !includeDeleted {
			return false
		}
		at := m.Timestamp()
		return (start.IsZero() || !at.Before(start)) && (end.IsZero() || !at.After(end))
	})
	if err != nil {
		respondStateError(c, err)
		return
	}
	totalPages := (len(all) + size - 1) / size
	c.JSON(http.StatusOK, api.Paginated[api.ChatMessageDto]{
		TotalCount:      len(all),
		TotalPages:      totalPages,
		CurrentPage:     page,
		PageSize:        size,
		HasPreviousPage: page > 1,
		HasNextPage:     page < totalPages,
		Items:           pageOf(all, page, size),
	})
}

func active(m api.ChatMessageDto) bool { return m.IsActive }

func (s *Server) countSessionMessages(c *gin.Context) {
	id := c.Param("id")
	msgs, err := s.state.sessionMessages(currentUser(c), id, active)
	if err != nil {
		respondStateError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.MessageCount{SessionID: id, Count: len(msgs)})
}

func (s *Server) sessionStats(c *gin.Context) {
	msgs, err := s.state.sessionMessages(currentUser(c), c.Param("id"), active)
	if err != nil {
		respondStateError(c, err)
		return
	}
	var st api.MessageStats
	for _, m := range msgs {
		st.TotalMessages++
		switch m.SenderType {
		case api.SenderUser:
			st.UserMessages++
		case api.SenderAssistant:
			st.AssistantMessages++
		}
		if m.InputToken != nil {
			st.TotalInputTokens += *m.InputToken
		}
		if m.OutputToken != nil {
			st.TotalOutputTokens += *m.OutputToken
		}
		if m.HasImage {
			st.ImageMessages++
		}
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) searchSessionMessages(c *gin.Context) {
	term := strings.ToLower(strings.TrimSpace(c.Query("searchTerm")))
	msgs, err := s.state.sessionMessages(currentUser(c), c.Param("id"), func(m api.ChatMessageDto) bool {
		return m.IsActive && strings.Contains(strings.ToLower(m.Content), term)
	})
	if err != nil {
		respondStateError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) messagesBySender(c *gin.Context) {
	kind, err := strconv.Atoi(c.Param("type"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "sender type must be numeric")
		return
	}
	msgs, err := s.state.sessionMessages(currentUser(c), c.Param("id"), func(m api.ChatMessageDto) bool {
		return m.IsActive && m.SenderType == api.SenderType(kind)
	})
	if err != nil {
		respondStateError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) getMessage(c *gin.Context) {
	m, err := s.state.getMessage(currentUser(c), c.Param("id"))
	if err != nil {
		respondStateError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) deleteMessage(c *gin.Context) {
	if err := s.state.deleteMessages(currentUser(c), []string{c.Param("id")}, s.now()); err != nil {
		respondStateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) bulkDeleteMessages(c *gin.Context) {
	var req api.BulkDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.MessageIDs) == 0 {
		respondError(c, http.StatusBadRequest, "messageIds is required")
		return
	}
	if err := s.state.deleteMessages(currentUser(c), req.MessageIDs, s.now()); err != nil {
		respondStateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) clearSessionMessages(c *gin.Context) {
	if err := s.state.clearSession(currentUser(c), c.Param("id"), s.now()); err != nil {
		respondStateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listPlans(c *gin.Context) {
	onlyActive, _ := strconv.ParseBool(c.DefaultQuery("onlyActive", "true"))
	c.JSON(http.StatusOK, s.state.activePlans(onlyActive))
}

func (s *Server) getPlan(c *gin.Context) {
	p, err := s.state.plan(c.Param("id"))
	if err != nil {
		respondStateError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// planModels encodes the list as a JSON string, matching the real backend.
func (s *Server) planModels(c *gin.Context) {
	models := s.state.modelsOf(currentUser(c))
	quoted := make([]string, len(models))
	for i, m := range models {
		quoted[i] = strconv.Quote(m)
	}
	c.JSON(http.StatusOK, api.PlanModelsResponse{Models: "[" + strings.Join(quoted, ",") + "]"})
}
