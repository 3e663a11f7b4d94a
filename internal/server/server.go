package server

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"

	"viralflow/internal/config"
	"viralflow/internal/pipeline"
	"viralflow/internal/publish"
	"viralflow/internal/types"
)

// Store is the slice of the result store the HTTP layer needs.
type Store interface {
	ListByOwner(ownerID string) ([]types.StoredAnalysis, error)
	GetAnalysis(id string) (*types.StoredAnalysis, error)
	RegisterUser(u *types.User) error
	GetUser(email string) (*types.User, error)
}

// VibePreset is a canned creative direction offered to the client.
type VibePreset struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Icon  string `json:"icon"`
	Desc  string `json:"desc"`
}

var vibePresets = []VibePreset{
	{ID: "cinematic", Label: "Cinematic", Icon: "🎬", Desc: "Moody, wide-lens, filmic"},
	{ID: "beast", Label: "Hyper-Energetic", Icon: "⚡", Desc: "Bright, saturated, massive text"},
	{ID: "noir", Label: "Dark Mystery", Icon: "🌑", Desc: "Shadowy, intense, suspenseful"},
	{ID: "minimal", Label: "Clean/Apple", Icon: "⚪", Desc: "Modern, airy, sophisticated"},
	{ID: "retro", Label: "VHS/Retro", Icon: "📺", Desc: "80s analog, glitchy, nostalgic"},
}

// Server is the HTTP surface driving the pipeline.
type Server struct {
	cfg       *config.Config
	orch      *pipeline.Orchestrator
	store     Store
	publisher *publish.Publisher
	log       *logrus.Logger
	validate  *validator.Validate
	app       *fiber.App
}

// New wires the fiber app with all routes and middleware.
func New(cfg *config.Config, orch *pipeline.Orchestrator, st Store, publisher *publish.Publisher, log *logrus.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		orch:      orch,
		store:     st,
		publisher: publisher,
		log:       log,
		validate:  validator.New(),
	}

	// body limit sits above the upload cap so the pipeline's own size
	// validation produces the user-facing message
	app := fiber.New(fiber.Config{
		BodyLimit: (cfg.Server.MaxUploadMB + 16) * 1024 * 1024,
	})
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))
	app.Use(fiberlogger.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	v1 := app.Group("/api/v1")
	v1.Get("/vibes", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "success", "data": vibePresets})
	})

	v1.Post("/auth/register", s.Register)
	v1.Post("/auth/login", s.Login)

	v1.Post("/runs", s.CreateRun)
	v1.Post("/runs/:id/start", s.StartRun)
	v1.Get("/runs/:id", s.GetRun)
	v1.Post("/runs/:id/reset", s.ResetRun)
	v1.Post("/runs/:id/publish", s.PublishRun)

	v1.Get("/history", s.History)
	v1.Get("/history/:id", s.LoadHistoryEntry)

	v1.Post("/thumbnails/:id/feedback", s.ThumbnailFeedback)
	v1.Post("/thumbnails/:id/regenerate", s.RegenerateThumbnail)

	s.app = app
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen starts serving on the configured address.
func (s *Server) Listen() error {
	s.log.Infof("[server] listening on %s", s.cfg.Server.Addr)
	return s.app.Listen(s.cfg.Server.Addr)
}

func errorJSON(c *fiber.Ctx, status int, format string, args ...any) error {
	return c.Status(status).JSON(fiber.Map{
		"status":  "error",
		"message": fmt.Sprintf(format, args...),
	})
}
