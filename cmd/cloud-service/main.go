package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
	_ "time/tzdata"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/konorlevich/mycloud/internal/cloud-service/accounts"
	"github.com/konorlevich/mycloud/internal/cloud-service/auth"
	"github.com/konorlevich/mycloud/internal/cloud-service/database"
	"github.com/konorlevich/mycloud/internal/cloud-service/handler"
	"github.com/konorlevich/mycloud/internal/cloud-service/metrics"
	"github.com/konorlevich/mycloud/internal/cloud-service/storage"
	"github.com/konorlevich/mycloud/internal/cloud-service/storage/blobs"
	"github.com/konorlevich/mycloud/internal/cloud-service/view"
)

const shutdownTimeout = 10 * time.Second

var (
	port          = "8000"
	dbFile        = database.DefaultFile
	storageRoot   = "media"
	baseURL       = "http://localhost:8000"
	timeZone      = "Europe/Moscow"
	maxFileSize   = storage.DefaultMaxFileSize
	jwtSecret     = ""
	jwtTTL        = 24 * time.Hour
	adminLogin    = "admin"
	adminPassword = ""
	logLevel      = log.InfoLevel
	logFile       = ""

	// invalid settings found by init, reported once the logger exists
	configWarnings []string
)

func init() {
	if p := os.Getenv("HTTP_PORT"); p != "" {
		port = p
	}
	if d := os.Getenv("DB_FILE"); d != "" {
		dbFile = d
	}
	if s := os.Getenv("STORAGE_ROOT"); s != "" {
		storageRoot = s
	}
	if u := os.Getenv("BASE_URL"); u != "" {
		baseURL = u
	}
	if tz := os.Getenv("TIME_ZONE"); tz != "" {
		timeZone = tz
	}
	if v := os.Getenv("MAX_FILE_SIZE"); v != "" {
		if s, err := strconv.ParseInt(v, 10, 64); err == nil && s > 0 {
			maxFileSize = s
		} else {
			configWarnings = append(configWarnings, "MAX_FILE_SIZE="+v)
		}
	}
	jwtSecret = os.Getenv("JWT_SECRET")
	if v := os.Getenv("JWT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			jwtTTL = d
		} else {
			configWarnings = append(configWarnings, "JWT_TTL="+v)
		}
	}
	if a := os.Getenv("ADMIN_LOGIN"); a != "" {
		adminLogin = a
	}
	adminPassword = os.Getenv("ADMIN_PASSWORD")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if lvl, err := log.ParseLevel(v); err == nil {
			logLevel = lvl
		} else {
			configWarnings = append(configWarnings, "LOG_LEVEL="+v)
		}
	}
	logFile = os.Getenv("LOG_FILE")
}

func newLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(logLevel)
	if logFile != "" {
		logger.SetFormatter(&log.JSONFormatter{})
		logger.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}))
	}
	return logger
}

func main() {
	l := newLogger().WithFields(log.Fields{
		"http_port":    port,
		"db_file":      dbFile,
		"storage_root": storageRoot,
	})
	for _, w := range configWarnings {
		l.WithField("setting", w).Warning("invalid setting ignored, using the default")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	location, err := time.LoadLocation(timeZone)
	if err != nil {
		l.WithError(err).WithField("time_zone", timeZone).Fatal("unknown time zone")
	}

	db, err := database.NewDb(dbFile)
	if err != nil {
		l.WithError(err).Fatal("failed to open database")
	}
	repo := database.NewRepository(db)
	if _, err := database.Bootstrap(repo, database.BootstrapConfig{
		StorageRoot:   storageRoot,
		AdminLogin:    adminLogin,
		AdminPassword: adminPassword,
		HashPassword:  auth.HashPassword,
	}, l); err != nil {
		l.WithError(err).Fatal("bootstrap failed")
	}

	b, err := blobs.NewBlobs(storageRoot, l.WithField("component", "blobs"))
	if err != nil {
		l.WithError(err).Fatal("failed to open blob storage")
	}

	secret := []byte(jwtSecret)
	if len(secret) == 0 {
		l.Warning("JWT_SECRET is not set, sessions won't survive a restart")
		if secret, err = auth.RandomSecret(); err != nil {
			l.WithError(err).Fatal("failed to generate jwt secret")
		}
	}
	tokens := auth.NewTokens(secret, jwtTTL)

	m := metrics.New()
	files := storage.NewServer(repo, b, maxFileSize, m, l.WithField("component", "storage"))
	accs := accounts.NewAccounts(repo, files, tokens, l.WithField("component", "accounts"))
	render := view.NewRenderer(baseURL, location)

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.NewHandler(files, accs, tokens, render, m, l.WithField("component", "http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		l.Infof("listening to port %s", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		l.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := eg.Wait(); err != nil {
		l.WithError(err).Fatal("server stopped with an error")
	}
}
