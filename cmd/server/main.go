package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"market-chat/internal/chat"
	"market-chat/internal/config"
	"market-chat/internal/db"
	"market-chat/internal/delivery"
	"market-chat/internal/listing"
	"market-chat/internal/logging"
	authmw "market-chat/internal/middleware"
	"market-chat/internal/realtime"
	"market-chat/internal/user"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// storage is the set of repositories selected by STORAGE_DRIVER.
type storage struct {
	chats    chat.ChatRepository
	messages chat.MessageRepository
	users    user.Repository
	listings chat.ListingDirectory
	close    func() error
}

func openStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (*storage, error) {
	switch cfg.StorageDriver {
	case config.DriverBadger:
		store, err := db.OpenBadger(cfg.BadgerPath, log)
		if err != nil {
			return nil, err
		}
		log.Info("opened embedded store", "path", cfg.BadgerPath)
		return &storage{
			chats:    chat.NewBadgerChatRepository(store),
			messages: chat.NewBadgerMessageRepository(store),
			users:    user.NewBadgerRepository(store),
			close:    store.Close,
		}, nil

	default:
		database, err := db.NewDatabase(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		log.Info("connected to postgres")
		if err := database.AutoMigrate(ctx); err != nil {
			_ = database.Close()
			return nil, err
		}
		log.Info("database schema initialized", "listing_check", cfg.ListingCheck)
		return &storage{
			chats:    chat.NewPostgresChatRepository(database.Conn),
			messages: chat.NewPostgresMessageRepository(database.Conn),
			users:    user.NewPostgresRepository(database.Conn),
			listings: listingDirectory(cfg, database.Conn),
			close:    database.Close,
		}, nil
	}
}

// listingDirectory is nil when the catalog is external; chats then accept any
// well-formed listing id.
func listingDirectory(cfg *config.Config, conn *sql.DB) chat.ListingDirectory {
	if !cfg.ListingCheck {
		return nil
	}
	return listing.NewPostgresDirectory(conn)
}

func run() error {
	flagSet := pflag.NewFlagSet("market-chat", pflag.ContinueOnError)
	addr := flagSet.String("addr", "", "http service address (overrides ADDR)")
	envFile := flagSet.String("env-file", "", "load environment from this file before reading config")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *envFile != "" {
		if err := config.LoadFile(*envFile); err != nil {
			return err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.close(); err != nil {
			log.Error("failed to close storage", "error", err)
		}
	}()

	userService := user.NewService(store.users, cfg.JWTSecret, cfg.JWTTTL)
	userHandler := user.NewHandler(userService, log)

	chatService := chat.NewService(store.chats, store.messages, userService, store.listings, chat.Options{
		MaxContentLength: cfg.MaxContentLength,
		PreviewLength:    cfg.PreviewLength,
		DefaultPageSize:  cfg.DefaultPageSize,
		MaxPageSize:      cfg.MaxPageSize,
	}, log)

	coord := delivery.NewCoordinator(log)
	chatService.SetNotifier(coord)

	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		log.Info("connected to redis", "addr", cfg.RedisAddr)

		relay := delivery.NewRedisRelay(redisClient, cfg.RedisChannel, log)
		coord.UseRelay(relay)
		go func() {
			if err := relay.Listen(ctx, coord.Deliver); err != nil {
				log.Error("delivery relay stopped", "error", err)
				stop()
			}
		}()
	}

	chatHandler := chat.NewHandler(chatService, log)
	wsHandler := realtime.NewHandler(chatService, coord, log)
	authMiddleware := authmw.NewAuthMiddleware(userService)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/ws", wsHandler.ServeWs)
		chatHandler.Routes(r)
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr, "storage", cfg.StorageDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
