package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/chatline/internal/api"
	"github.com/npezzotti/chatline/internal/auth"
	"github.com/npezzotti/chatline/internal/bus"
	"github.com/npezzotti/chatline/internal/chat"
	"github.com/npezzotti/chatline/internal/config"
	"github.com/npezzotti/chatline/internal/database"
	"github.com/npezzotti/chatline/internal/database/mongo"
	"github.com/npezzotti/chatline/internal/database/sqlite"
	"github.com/npezzotti/chatline/internal/server"
	"github.com/npezzotti/chatline/internal/stats"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	shutdownTimeout   = 10 * time.Second
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	store          string
	dsn            string
	sqlitePath     string
	mongoURI       string
	mongoDatabase  string
	redisAddr      string
	redisChannel   string
	signingKey     string
	tokenTTL       time.Duration
	echoToSender   bool
	authTimeout    time.Duration
	eventsPerSec   float64
	eventBurst     int
	allowedOrigins stringSliceFlag
)

func main() {
	logger := log.New(os.Stderr, "[chatline] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Fatal("load .env:", err)
	}

	flag.StringVar(&addr, "addr", config.Env("CHATLINE_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&store, "store", config.Env("CHATLINE_STORE", config.StorePostgres), "store backend: postgres or sqlite")
	flag.StringVar(&dsn, "dsn", config.Env("CHATLINE_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "postgres connection string")
	flag.StringVar(&sqlitePath, "sqlite-path", config.Env("CHATLINE_SQLITE_PATH", "chatline.db"), "sqlite database file")
	flag.StringVar(&mongoURI, "mongo-uri", config.Env("CHATLINE_MONGO_URI", ""), "store messages in mongodb at this uri")
	flag.StringVar(&mongoDatabase, "mongo-db", config.Env("CHATLINE_MONGO_DB", ""), "mongodb database name")
	flag.StringVar(&redisAddr, "redis-addr", config.Env("CHATLINE_REDIS_ADDR", ""), "fan out deliveries through redis at this address")
	flag.StringVar(&redisChannel, "redis-channel", config.Env("CHATLINE_REDIS_CHANNEL", ""), "redis pub/sub channel")
	flag.StringVar(&signingKey, "signing-key", config.Env("CHATLINE_SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.DurationVar(&tokenTTL, "token-ttl", config.EnvDuration("CHATLINE_TOKEN_TTL", 24*time.Hour), "session token lifetime")
	flag.BoolVar(&echoToSender, "echo-to-sender", config.EnvBool("CHATLINE_ECHO_TO_SENDER", false), "deliver messages to the sender's other connections")
	flag.DurationVar(&authTimeout, "auth-timeout", config.EnvDuration("CHATLINE_AUTH_TIMEOUT", 10*time.Second), "time allowed for a connection to authenticate")
	flag.Float64Var(&eventsPerSec, "events-per-second", config.EnvFloat("CHATLINE_EVENTS_PER_SEC", 20), "events per second allowed per connection")
	flag.IntVar(&eventBurst, "event-burst", config.EnvInt("CHATLINE_EVENT_BURST", 40), "event burst allowed per connection")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		if v := config.Env("CHATLINE_ALLOWED_ORIGINS", ""); v != "" {
			allowedOrigins.Set(v)
		}
	}

	cfg, err := config.NewConfig(addr, store, dsn, signingKey, allowedOrigins,
		config.WithSQLitePath(sqlitePath),
		config.WithMongo(mongoURI, mongoDatabase),
		config.WithRedis(redisAddr, redisChannel),
		config.WithTokenTTL(tokenTTL),
		config.WithEchoToSender(echoToSender),
		config.WithAuthTimeout(authTimeout),
		config.WithEventRate(eventsPerSec, eventBurst),
	)
	if err != nil {
		logger.Fatal("config:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Fatal(err)
	}

	logger.Println("shutdown complete")
}

func openStore(cfg *config.Config) (database.Store, error) {
	if cfg.Store == config.StoreSQLite {
		return sqlite.Open(cfg.SQLitePath)
	}

	pg, err := database.NewPgStore(cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

func openBus(ctx context.Context, logger *log.Logger, cfg *config.Config) (bus.Bus, error) {
	if cfg.RedisAddr == "" {
		return bus.NewLocalBus(), nil
	}
	return bus.NewRedisBus(ctx, logger, cfg.RedisAddr, cfg.RedisChannel)
}

func run(ctx context.Context, logger *log.Logger, cfg *config.Config) error {
	dbConn, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	var msgStore database.MessageStore = dbConn
	if cfg.MongoURI != "" {
		mdb, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return fmt.Errorf("mongo connect: %w", err)
		}
		ms, err := mongo.NewMessageStore(ctx, mdb)
		if err != nil {
			return fmt.Errorf("mongo message store: %w", err)
		}
		defer func() {
			dctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := ms.Disconnect(dctx); err != nil {
				logger.Println("mongo disconnect:", err)
			}
		}()
		msgStore = ms
	}

	b, err := openBus(ctx, logger, cfg)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	defer b.Close()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	tokens := auth.NewTokenManager(cfg.SigningKey, cfg.TokenTTL)
	chats := chat.NewService(logger, dbConn, dbConn, msgStore, server.NewPropagator(logger, b))
	fanout := server.NewFanOut(logger, chats, b, statsUpdater, cfg.EchoToSender)

	chatServer, err := server.NewChatServer(ctx, logger, b, tokens, dbConn, fanout, statsUpdater,
		server.WithAuthTimeout(cfg.AuthTimeout),
		server.WithEventRate(cfg.EventsPerSec, cfg.EventBurst),
	)
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	srv := api.NewChatApp(mux, logger, chatServer, fanout, chats, dbConn, tokens, cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		chatServer.Run()
		return nil
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Println("shutting down...")

		shutDownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutDownCtx); err != nil {
			logger.Println("HTTP server shutdown:", err)
		}

		logger.Println("shutting down chat server...")
		return chatServer.Shutdown(shutDownCtx)
	})

	return g.Wait()
}
