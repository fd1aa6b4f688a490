package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-meetup/internal/api"
	"github.com/npezzotti/go-meetup/internal/config"
	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/hub"
	"github.com/npezzotti/go-meetup/internal/meetup"
	"github.com/npezzotti/go-meetup/internal/server"
	"github.com/npezzotti/go-meetup/internal/stats"
	"github.com/npezzotti/go-meetup/internal/storage"
	"github.com/npezzotti/go-meetup/internal/storage/minio"
	"github.com/npezzotti/go-meetup/internal/storage/s3"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

// env returns the environment value of key, or def when it is unset.
func env(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

var (
	addr             string
	dsn              string
	signingKey       string
	allowedOrigins   string
	triggerToken     string
	tagsFile         string
	profileCacheSize int
	storageCfg       config.StorageConfig
)

func parseFlags() {
	flag.StringVar(&addr, "addr", env("MEETUP_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", env("MEETUP_DSN", ""), "postgres connection string, in-memory store when empty")
	flag.StringVar(&signingKey, "signing-key", env("MEETUP_SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.StringVar(&allowedOrigins, "allowed-origins", env("MEETUP_ALLOWED_ORIGINS", ""), "comma-separated list of allowed origins for CORS")
	flag.StringVar(&triggerToken, "trigger-token", env("MEETUP_TRIGGER_TOKEN", ""), "shared secret of the trigger webhooks, disabled when empty")
	flag.StringVar(&tagsFile, "tags", env("MEETUP_TAGS_FILE", ""), "YAML tag catalog to seed at startup")
	flag.IntVar(&profileCacheSize, "profile-cache-size", envInt("MEETUP_PROFILE_CACHE_SIZE", 0), "profiles kept in memory for membership views")

	flag.StringVar(&storageCfg.Driver, "storage", env("MEETUP_STORAGE", config.StorageMemory), "object storage driver: memory, minio or s3")
	flag.StringVar(&storageCfg.Endpoint, "storage-endpoint", env("MEETUP_STORAGE_ENDPOINT", ""), "object storage endpoint")
	flag.StringVar(&storageCfg.AccessKey, "storage-access-key", env("MEETUP_STORAGE_ACCESS_KEY", ""), "object storage access key")
	flag.StringVar(&storageCfg.SecretKey, "storage-secret-key", env("MEETUP_STORAGE_SECRET_KEY", ""), "object storage secret key")
	flag.StringVar(&storageCfg.Bucket, "storage-bucket", env("MEETUP_STORAGE_BUCKET", ""), "object storage bucket")
	flag.StringVar(&storageCfg.Region, "storage-region", env("MEETUP_STORAGE_REGION", ""), "object storage region")
	flag.BoolVar(&storageCfg.UseSSL, "storage-ssl", envBool("MEETUP_STORAGE_SSL", true), "use TLS for the object storage endpoint")
	flag.StringVar(&storageCfg.PublicURL, "storage-public-url", env("MEETUP_STORAGE_PUBLIC_URL", ""), "base URL of stored objects")
	flag.Parse()
}

func openStore(cfg *config.Config, logger *log.Logger) (database.Store, error) {
	if cfg.DatabaseDSN == "" {
		logger.Println("no dsn configured, using in-memory store")
		return database.NewMemoryStore(), nil
	}
	return database.NewPgStore(cfg.DatabaseDSN, logger)
}

func openObjects(ctx context.Context, sc config.StorageConfig) (storage.Service, error) {
	switch sc.Driver {
	case config.StorageMinio:
		return minio.New(ctx, minio.Config{
			Endpoint:  sc.Endpoint,
			AccessKey: sc.AccessKey,
			SecretKey: sc.SecretKey,
			Bucket:    sc.Bucket,
			Region:    sc.Region,
			UseSSL:    sc.UseSSL,
			PublicURL: sc.PublicURL,
		})
	case config.StorageS3:
		return s3.New(ctx, s3.Config{
			Region:    sc.Region,
			Bucket:    sc.Bucket,
			Endpoint:  sc.Endpoint,
			PublicURL: sc.PublicURL,
		})
	default:
		return storage.NewMemoryService(sc.PublicURL), nil
	}
}

func seedTags(ctx context.Context, svc *meetup.Service, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	tags, err := meetup.LoadTags(f)
	if err != nil {
		return err
	}
	return svc.SeedTags(ctx, tags)
}

func main() {
	logger := log.New(os.Stderr, "[go-meetup] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Printf("warning: could not load .env: %v", err)
	}
	parseFlags()

	cfg, err := config.NewConfig(addr, dsn, signingKey, config.SplitList(allowedOrigins))
	if err != nil {
		logger.Fatal("config:", err)
	}
	if err := cfg.SetStorage(storageCfg); err != nil {
		logger.Fatal("config:", err)
	}
	cfg.TriggerToken = triggerToken
	cfg.TagsFile = tagsFile
	if profileCacheSize > 0 {
		cfg.ProfileCacheSize = profileCacheSize
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	objects, err := openObjects(context.Background(), cfg.Storage)
	if err != nil {
		logger.Fatal("object storage:", err)
	}
	logger.Printf("object storage: %s", cfg.Storage.Driver)

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	svc := meetup.NewService(logger, store, objects, statsUpdater)
	if cfg.TagsFile != "" {
		if err := seedTags(context.Background(), svc, cfg.TagsFile); err != nil {
			logger.Fatal("seed tags:", err)
		}
	}

	profiles, err := hub.NewProfileCache(cfg.ProfileCacheSize, svc.Profile)
	if err != nil {
		logger.Fatal("profile cache:", err)
	}

	chatServer, err := server.NewChatServer(logger, svc, store, profiles, statsUpdater)
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	srv := api.NewMeetupApp(mux, logger, svc, chatServer, statsUpdater, cfg)

	statsUpdater.Run()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	}

	// clients that outlived a timed out shutdown may still report metrics
	statsUpdater.Stop()

	logger.Println("shutdown complete")
}
