package main

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"viralflow/internal/config"
	"viralflow/internal/frames"
	"viralflow/internal/gemini"
	"viralflow/internal/pipeline"
	"viralflow/internal/publish"
	"viralflow/internal/server"
	"viralflow/internal/store"
	"viralflow/internal/trends"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := godotenv.Load(); err != nil {
		log.Warn("no .env file found, relying on process environment")
	}

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Warnf("config.yaml not loaded (%v), using defaults", err)
		cfg = config.Default()
	}

	if os.Getenv("GEMINI_API_KEY") == "" {
		log.Fatal("GEMINI_API_KEY is not set")
	}

	for _, dir := range []string{cfg.Paths.Data, cfg.Paths.Uploads, filepath.Dir(cfg.Paths.DBFile)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("create %s: %v", dir, err)
		}
	}

	st, err := store.Open(cfg.Paths.DBFile)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	trendSvc, err := trends.New(cfg, log)
	if err != nil {
		log.Warnf("trend feed unavailable: %v", err)
	}

	orch := pipeline.New(cfg, gemini.New(cfg), frames.NewService(cfg), trendSvc, st, log)
	publisher := publish.New(cfg, log)

	srv := server.New(cfg, orch, st, publisher, log)
	if err := srv.Listen(); err != nil {
		log.Fatalf("server: %v", err)
	}
}
