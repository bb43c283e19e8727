package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/chatline/internal/auth"
	"github.com/npezzotti/chatline/internal/chat"
	"github.com/npezzotti/chatline/internal/config"
	"github.com/npezzotti/chatline/internal/database"
	"github.com/npezzotti/chatline/internal/server"
)

const searchLimit = 20

type ChatApp struct {
	log            *log.Logger
	store          database.Store
	chats          *chat.Service
	fanout         *server.FanOut
	cs             *server.ChatServer
	tokens         *auth.TokenManager
	srv            *http.Server
	allowedOrigins []string
}

// NewChatApp registers the REST and websocket routes on mux. store backs
// accounts and the health check.
func NewChatApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, fanout *server.FanOut,
	chats *chat.Service, store database.Store, tokens *auth.TokenManager, cfg *config.Config) *ChatApp {
	s := &ChatApp{
		log:            logger,
		store:          store,
		chats:          chats,
		fanout:         fanout,
		cs:             cs,
		tokens:         tokens,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)

	mux.HandleFunc("POST /user/register", s.createAccount)
	mux.HandleFunc("POST /user/login", s.login)
	mux.HandleFunc("GET /user/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /user/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("GET /user", s.authMiddleware(s.searchUsers))

	mux.HandleFunc("POST /chat/accesschat", s.authMiddleware(s.accessChat))
	mux.HandleFunc("GET /chat/fetchchat", s.authMiddleware(s.fetchChats))
	mux.HandleFunc("GET /chat/{chatId}", s.authMiddleware(s.getChat))
	mux.HandleFunc("POST /chat/create-groupchat", s.authMiddleware(s.createGroup))
	mux.HandleFunc("PATCH /chat/renamegroup", s.authMiddleware(s.renameGroup))
	mux.HandleFunc("PATCH /chat/add-to-groupchat", s.authMiddleware(s.addToGroup))
	mux.HandleFunc("PATCH /chat/remove-from-groupchat", s.authMiddleware(s.removeFromGroup))
	mux.HandleFunc("DELETE /chat/{chatId}", s.authMiddleware(s.deleteChat))

	mux.HandleFunc("POST /message/send", s.authMiddleware(s.sendMessage))
	mux.HandleFunc("GET /message/get/{chatId}", s.authMiddleware(s.getMessages))
	mux.HandleFunc("PATCH /message/{messageId}", s.authMiddleware(s.editMessage))
	mux.HandleFunc("DELETE /message/{messageId}", s.authMiddleware(s.deleteMessage))

	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(handlers.CombinedLoggingHandler(logger.Writer(), h))

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *ChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *ChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
