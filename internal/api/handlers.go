package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/chatline/internal/auth"
	"github.com/npezzotti/chatline/internal/chat"
	"github.com/npezzotti/chatline/internal/server"
	"github.com/npezzotti/chatline/internal/types"
)

type AccessChatRequest struct {
	UserId string `json:"userId"`
}

type CreateGroupRequest struct {
	ChatName string   `json:"chatName"`
	Users    []string `json:"users"`
}

type RenameGroupRequest struct {
	ChatId   string `json:"chatId"`
	ChatName string `json:"chatName"`
}

type GroupMemberRequest struct {
	ChatId string `json:"chatId"`
	UserId string `json:"userId"`
}

type SendMessageRequest struct {
	ChatId   string `json:"chatId"`
	Content  string `json:"content"`
	ClientId string `json:"clientId,omitempty"`
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *ChatApp) writeError(w http.ResponseWriter, err error) {
	errResp := errorFor(err)
	switch errResp.StatusCode {
	case http.StatusInternalServerError:
		s.log.Println("internal error:", err)
	case http.StatusServiceUnavailable:
		s.log.Println("store unavailable:", err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

// decode reads a JSON body into v, answering 400 itself on failure.
func (s *ChatApp) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return false
	}
	return true
}

// caller returns the authenticated user id set by authMiddleware.
func (s *ChatApp) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
	}
	return userId, ok
}

func (s *ChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Println("health check:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *ChatApp) searchUsers(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.caller(w, r)
	if !ok {
		return
	}

	accounts, err := s.store.SearchAccounts(r.Context(), r.URL.Query().Get("search"), userId, searchLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	users := make([]types.User, 0, len(accounts))
	for _, a := range accounts {
		users = append(users, chat.ToUser(a))
	}

	s.writeJson(w, http.StatusOK, users)
}

func (s *ChatApp) accessChat(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req AccessChatRequest
	if !s.decode(w, r, &req) {
		return
	}

	conv, err := s.chats.AccessChat(r.Context(), userId, req.UserId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, conv)
}

func (s *ChatApp) fetchChats(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.caller(w, r)
	if !ok {
		return
	}

	convs, err := s.chats.FetchChats(r.Context(), userId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, convs)
}

func (s *ChatApp) getChat(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.caller(w, r)
	if !ok {
		return
	}

	conv, err := s.chats.GetChat(r.Context(), userId, r.PathValue("chatId"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, conv)
}

func (s *ChatApp) createGroup(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req CreateGroupRequest
	if !s.decode(w, r, &req) {
		return
	}

	conv, err := s.chats.CreateGroup(r.Context(), userId, req.ChatName, req.Users)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, conv)
}

func (s *ChatApp) renameGroup(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req RenameGroupRequest
	if !s.decode(w, r, &req) {
		return
	}

	conv, err := s.chats.RenameGroup(r.Context(), userId, req.ChatId, req.ChatName)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, conv)
}

func (s *ChatApp) addToGroup(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req GroupMemberRequest
	if !s.decode(w, r, &req) {
		return
	}

	conv, err := s.chats.AddMember(r.Context(), userId, req.ChatId, req.UserId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, conv)
}

func (s *ChatApp) removeFromGroup(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req GroupMemberRequest
	if !s.decode(w, r, &req) {
		return
	}

	conv, err := s.chats.RemoveMember(r.Context(), userId, req.ChatId, req.UserId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, conv)
}

func (s *ChatApp) deleteChat(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.caller(w, r)
	if !ok {
		return
	}

	if err := s.chats.DeleteConversation(r.Context(), userId, r.PathValue("chatId")); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

// sendMessage is the HTTP fallback for new_message and shares its fan-out.
func (s *ChatApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if !s.decode(w, r, &req) {
		return
	}

	msg, err := s.fanout.SubmitMessage(r.Context(), server.Origin{UserId: userId}, req.ChatId, req.Content, req.ClientId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *ChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.caller(w, r)
	if !ok {
		return
	}

	var limit int
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	msgs, err := s.chats.History(r.Context(), userId, r.PathValue("chatId"), r.URL.Query().Get("before"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, msgs)
}

func (s *ChatApp) editMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req EditMessageRequest
	if !s.decode(w, r, &req) {
		return
	}

	msg, err := s.fanout.EditMessage(r.Context(), server.Origin{UserId: userId}, r.PathValue("messageId"), req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, msg)
}

func (s *ChatApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := s.caller(w, r)
	if !ok {
		return
	}

	if _, err := s.fanout.DeleteMessage(r.Context(), server.Origin{UserId: userId}, r.PathValue("messageId")); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

// serveWs upgrades the connection. A credential on the request is checked
// before upgrading; without one the client authenticates in-band.
func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token != "" {
		if _, err := s.tokens.Verify(token); err != nil {
			s.log.Println("rejecting websocket upgrade:", err)
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	s.cs.Serve(server.NewClient(conn, s.cs, s.log), token)
}
