package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"elearn-backend/internal/config"
	"elearn-backend/internal/domain"
	"elearn-backend/internal/infrastructure/cache"
	"elearn-backend/internal/infrastructure/events"
	"elearn-backend/internal/infrastructure/razorpay"
	"elearn-backend/internal/infrastructure/repo"
	"elearn-backend/internal/server"
	"elearn-backend/internal/usecase"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func main() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
	envDefaults := config.EnvDefaults()

	env := flag.String("env", envDefaults.Env, "")
	port := flag.Int("port", envDefaults.Port, "")
	databaseURL := flag.String("database-url", envDefaults.DatabaseURL, "")
	jwtSecret := flag.String("jwt-secret", envDefaults.JWTSecret, "")
	logJSON := flag.Bool("log-json", envDefaults.LogJSON, "")
	flag.Parse()

	cfg := envDefaults
	cfg.Env = *env
	cfg.Port = *port
	cfg.DatabaseURL = *databaseURL
	cfg.JWTSecret = *jwtSecret
	cfg.LogJSON = *logJSON

	log := newLogger(cfg.LogJSON)

	if cfg.RazorpayKeyID == "" || cfg.RazorpayKeySecret == "" {
		log.Error("RAZORPAY_KEY_ID and RAZORPAY_KEY_SECRET are required")
		os.Exit(1)
	}
	if cfg.RazorpayWebhookSecret == "" {
		log.Warn("RAZORPAY_WEBHOOK_SECRET not set - webhook deliveries will be rejected unless ELEARN_ALLOW_UNVERIFIED_WEBHOOKS=1")
	}

	var store usecase.SettlementStore
	if cfg.DatabaseURL != "" {
		pg, err := repo.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			log.Error("cannot open database", "err", err)
			os.Exit(1)
		}
		store = pg
	} else {
		mem := repo.NewMemoryStore()
		seedDemo(mem)
		store = mem
		log.Warn("no database configured, using in-memory store with demo catalog")
	}

	gateway := &razorpay.Client{
		KeyID:         cfg.RazorpayKeyID,
		KeySecret:     cfg.RazorpayKeySecret,
		WebhookSecret: cfg.RazorpayWebhookSecret,
		HTTP:          &http.Client{Timeout: 10 * time.Second},
	}

	settlement := &usecase.SettlementService{
		Store:                   store,
		Gateway:                 gateway,
		AllowUnverifiedWebhooks: cfg.AllowUnverifiedWebhooks,
		Log:                     log,
	}

	if cfg.KafkaBroker != "" {
		producer, err := events.NewProducer(cfg.KafkaBroker, log)
		if err != nil {
			log.Error("cannot connect to kafka", "broker", cfg.KafkaBroker, "err", err)
			os.Exit(1)
		}
		defer producer.Close()
		settlement.Events = producer
	}
	if cfg.RedisAddr != "" {
		dedup, err := cache.NewWebhookDedup(cfg.RedisAddr)
		if err != nil {
			log.Error("cannot connect to redis", "addr", cfg.RedisAddr, "err", err)
			os.Exit(1)
		}
		settlement.Dedup = dedup
	}

	srv := server.New(cfg, settlement, log)
	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Info("listening", "addr", addr, "env", cfg.Env)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func newLogger(jsonOut bool) *slog.Logger {
	var h slog.Handler
	if jsonOut {
		h = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		h = slog.NewTextHandler(os.Stdout, nil)
	}
	log := slog.New(h)
	slog.SetDefault(log)
	return log
}

func seedDemo(mem *repo.MemoryStore) {
	now := time.Now().UTC()
	_ = mem.PutUser(&domain.User{ID: "demo-user", Name: "Demo User", Email: "demo@example.com", CreatedAt: now, UpdatedAt: now})
	_ = mem.PutCourse(&domain.Course{ID: "course-demo", Title: "Demo Course", Price: decimal.NewFromInt(999)})
	_ = mem.PutNote(&domain.Note{ID: "note-demo", Title: "Demo Notes", Price: decimal.NewFromInt(199)})
	_ = mem.PutCounseling(&domain.CounselingSession{ID: "counseling-demo", StudentName: "Demo Student", Fee: decimal.NewFromInt(499), Status: "pending", PaymentStatus: "pending"})
}
