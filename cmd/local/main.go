package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"annotation-backend/internal/api"
	"annotation-backend/internal/core"
	"annotation-backend/internal/database"
	"annotation-backend/internal/engine"
	"annotation-backend/internal/geocode"
	"annotation-backend/internal/messaging"
	"annotation-backend/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Config struct {
	Root         string `env:"ROOT" envDefault:"./annotation-backend"`
	Port         int    `env:"PORT" envDefault:"3001"`
	AppDataDir   string `env:"APP_DATA_DIR" envDefault:"./annotation-backend"`
	EngineURL    string `env:"ENGINE_URL" envDefault:"http://localhost:8000"`
	EngineAPIKey string `env:"ENGINE_API_KEY"`
	GeocoderURL  string `env:"GEOCODER_URL"`
}

const assetBucket = "assets"

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "annotation-backend.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.GetMigrator(db).Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	var pending []database.Run
	if err := db.Where("status = ?", database.RunPending).Find(&pending).Error; err != nil {
		log.Fatalf("Failed to fetch pending runs from database: %v", err)
	}

	queue := messaging.NewInMemoryQueue()

	for _, run := range pending {
		if err := queue.PublishRunTask(context.Background(), messaging.RunTaskPayload{
			RunId: run.Id,
		}); err != nil {
			log.Fatalf("Failed to publish run task: %v", err)
		}
	}

	return queue
}

func createServer(db *gorm.DB, store storage.Provider, queue messaging.Publisher, annotator engine.Annotator, geocoder core.Geocoder, port int) *http.Server {
	r := chi.NewRouter()

	// Middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},                                       // Allow all origins (TODO: make this an env var)
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}, // Allow all HTTP methods
		AllowedHeaders:   []string{"*"},                                       // Allow all headers
		ExposedHeaders:   []string{"*"},                                       // Expose all headers
		AllowCredentials: true,                                                // Allow cookies/auth headers
		MaxAge:           300,                                                 // Cache preflight response for 5 minutes
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)                    // Log requests
	r.Use(middleware.Recoverer)                 // Recover from panics
	r.Use(middleware.Timeout(60 * time.Second)) // Set request timeout

	apiHandler := api.NewBackendService(db, store, queue, annotator, geocoder, assetBucket)
	chatHandler := api.NewChatService(db)

	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
		chatHandler.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port, "app_data_dir", cfg.AppDataDir, "engine_url", cfg.EngineURL)

	db := createDatabase(cfg.AppDataDir)

	store, err := storage.NewLocalProvider(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create storage client: %v", err)
	}

	queue := createQueue(db)

	annotator := engine.NewClient(cfg.EngineURL, cfg.EngineAPIKey)
	geocoder := geocode.NewClient(cfg.GeocoderURL)

	worker := core.NewTaskProcessor(db, store, queue, queue, annotator, assetBucket)

	server := createServer(db, store, queue, annotator, geocoder, cfg.Port)

	slog.Info("starting worker")
	go worker.Start()

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
