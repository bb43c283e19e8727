package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/npezzotti/chatline/internal/auth"
	"github.com/npezzotti/chatline/internal/chat"
	"github.com/npezzotti/chatline/internal/database"
	"github.com/npezzotti/chatline/internal/types"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

type RegisterRequest struct {
	UserName string `json:"userName"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Avatar   string `json:"avatar,omitempty"`
}

// LoginRequest identifies the account by email or user name.
type LoginRequest struct {
	Email    string `json:"email,omitempty"`
	UserName string `json:"userName,omitempty"`
	Password string `json:"password"`
}

type AuthResponse struct {
	User  types.User `json:"user"`
	Token string     `json:"token"`
}

func (r RegisterRequest) valid() bool {
	if strings.TrimSpace(r.UserName) == "" || strings.TrimSpace(r.FullName) == "" {
		return false
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return false
	}
	return len(r.Password) >= minPasswordLength
}

func (s *ChatApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.valid() {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	account, err := s.store.CreateAccount(r.Context(), database.CreateAccountParams{
		UserName:     strings.TrimSpace(req.UserName),
		FullName:     strings.TrimSpace(req.FullName),
		Email:        strings.ToLower(req.Email),
		Avatar:       req.Avatar,
		PasswordHash: pwdHash,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.log.Printf("created account %q", account.Id)
	s.startSession(w, http.StatusCreated, account)
}

func (s *ChatApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	login := strings.ToLower(strings.TrimSpace(lr.Email))
	if login == "" {
		login = lr.UserName
	}
	if login == "" || lr.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	account, err := s.store.GetAccountByLogin(r.Context(), login)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		s.writeError(w, err)
		return
	}

	if !verifyPassword(account.PasswordHash, lr.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.startSession(w, http.StatusOK, account)
}

func (s *ChatApp) startSession(w http.ResponseWriter, status int, account database.Account) {
	token, err := s.tokens.Issue(account.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, auth.NewCookie(token, s.tokens.TTL()))
	s.writeJson(w, status, AuthResponse{User: chat.ToUser(account), Token: token})
}

func (s *ChatApp) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	account, err := s.store.GetAccountById(r.Context(), userId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, chat.ToUser(account))
}

func (s *ChatApp) logout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, auth.ExpiredCookie())
	w.WriteHeader(http.StatusNoContent)
}

func hashPassword(passwd string) (string, error) {
	passwdHash, err := bcrypt.GenerateFromPassword([]byte(passwd), bcrypt.DefaultCost)
	return string(passwdHash), err
}

func verifyPassword(passwdHash, passwd string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(passwdHash), []byte(passwd))
	return err == nil
}
