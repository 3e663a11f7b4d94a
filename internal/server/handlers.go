package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"viralflow/internal/pipeline"
	"viralflow/internal/store"
	"viralflow/internal/types"
)

// CreateRun accepts a multipart video upload and an optional vibe,
// creating a Ready run.
func (s *Server) CreateRun(c *fiber.Ctx) error {
	file, err := c.FormFile("video")
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "missing video file: %v", err)
	}

	if err := os.MkdirAll(s.cfg.Paths.Uploads, 0o755); err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "prepare upload dir: %v", err)
	}
	path := filepath.Join(s.cfg.Paths.Uploads, uuid.NewString()+filepath.Ext(file.Filename))
	if err := c.SaveFile(file, path); err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "save upload: %v", err)
	}

	mimeType := file.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "video/mp4"
	}

	run, err := s.orch.CreateRun(path, file.Filename, mimeType, c.FormValue("vibe"), c.FormValue("userId"))
	if err != nil {
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			os.Remove(path)
			return errorJSON(c, fiber.StatusBadRequest, "%s", verr.Message)
		}
		return errorJSON(c, fiber.StatusInternalServerError, "create run: %v", err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "success", "data": run.Snapshot()})
}

// StartRun kicks off the pipeline for a Ready run and returns
// immediately; progress is observed via GetRun.
func (s *Server) StartRun(c *fiber.Ctx) error {
	id := c.Params("id")
	run, err := s.orch.Get(id)
	if err != nil {
		return errorJSON(c, fiber.StatusNotFound, "run %s not found", id)
	}
	if run.Snapshot().State != pipeline.StateReady {
		return errorJSON(c, fiber.StatusConflict, "run %s is not ready to start", id)
	}

	go func() {
		if err := s.orch.Start(context.Background(), id); err != nil {
			s.log.Warnf("[server] run %s finished with error: %v", id, err)
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "success", "data": run.Snapshot()})
}

// GetRun reports a run's current snapshot, including any partial
// thumbnails while generation is in flight.
func (s *Server) GetRun(c *fiber.Ctx) error {
	run, err := s.orch.Get(c.Params("id"))
	if err != nil {
		return errorJSON(c, fiber.StatusNotFound, "run %s not found", c.Params("id"))
	}
	return c.JSON(fiber.Map{"status": "success", "data": run.Snapshot()})
}

// ResetRun clears the run back to Idle. Persisted history survives.
func (s *Server) ResetRun(c *fiber.Ctx) error {
	if err := s.orch.Reset(c.Params("id")); err != nil {
		return errorJSON(c, fiber.StatusNotFound, "run %s not found", c.Params("id"))
	}
	run, _ := s.orch.Get(c.Params("id"))
	return c.JSON(fiber.Map{"status": "success", "data": run.Snapshot()})
}

// PublishRun uploads the completed run's source video to YouTube.
func (s *Server) PublishRun(c *fiber.Ctx) error {
	if !s.publisher.Enabled() {
		return errorJSON(c, fiber.StatusServiceUnavailable, "publishing is not configured")
	}
	run, err := s.orch.Get(c.Params("id"))
	if err != nil {
		return errorJSON(c, fiber.StatusNotFound, "run %s not found", c.Params("id"))
	}
	snap := run.Snapshot()
	if snap.State != pipeline.StateCompleted || snap.SavedID == "" {
		return errorJSON(c, fiber.StatusConflict, "run %s has not completed", c.Params("id"))
	}
	stored, err := s.store.GetAnalysis(snap.SavedID)
	if err != nil || stored == nil {
		return errorJSON(c, fiber.StatusInternalServerError, "load stored run: %v", err)
	}

	url, err := s.publisher.Publish(c.Context(), run.VideoPath(), stored)
	if err != nil {
		return errorJSON(c, fiber.StatusBadGateway, "publish failed: %v", err)
	}
	return c.JSON(fiber.Map{"status": "success", "data": fiber.Map{"url": url}})
}

// History lists the owner's stored runs, newest first. A failed load
// resolves to an empty list rather than an error view.
func (s *Server) History(c *fiber.Ctx) error {
	owner := c.Query("userId", types.GuestUserID)
	list, err := s.store.ListByOwner(owner)
	if err != nil {
		s.log.Warnf("[server] history load failed for %s: %v", owner, err)
		list = []types.StoredAnalysis{}
	}
	if list == nil {
		list = []types.StoredAnalysis{}
	}
	return c.JSON(fiber.Map{"status": "success", "data": list})
}

// LoadHistoryEntry returns a fresh copy of one stored run for display.
func (s *Server) LoadHistoryEntry(c *fiber.Ctx) error {
	stored, err := s.store.GetAnalysis(c.Params("id"))
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "load history entry: %v", err)
	}
	if stored == nil {
		return errorJSON(c, fiber.StatusNotFound, "history entry %s not found", c.Params("id"))
	}
	return c.JSON(fiber.Map{"status": "success", "data": stored})
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
	Name     string `json:"name" validate:"required"`
}

// Register creates a user record keyed by email.
func (s *Server) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid payload: %v", err)
	}
	if err := s.validate.Struct(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "validation failed: %v", err)
	}

	user := &types.User{
		ID:        uuid.NewString(),
		Email:     req.Email,
		Password:  hashPassword(req.Password),
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.RegisterUser(user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return errorJSON(c, fiber.StatusConflict, "%v", err)
		}
		return errorJSON(c, fiber.StatusInternalServerError, "register: %v", err)
	}

	user.Password = ""
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "success", "data": user})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Login checks credentials and returns the matching user record.
func (s *Server) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid payload: %v", err)
	}
	if err := s.validate.Struct(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "validation failed: %v", err)
	}

	user, err := s.store.GetUser(req.Email)
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "login: %v", err)
	}
	if user == nil || user.Password != hashPassword(req.Password) {
		return errorJSON(c, fiber.StatusUnauthorized, "invalid email or password")
	}

	user.Password = ""
	return c.JSON(fiber.Map{"status": "success", "data": user})
}

type feedbackRequest struct {
	RunID    string `json:"runId" validate:"required"`
	Feedback string `json:"feedback" validate:"required,oneof=up down"`
}

// ThumbnailFeedback toggles a thumbnail's reaction on a completed run.
func (s *Server) ThumbnailFeedback(c *fiber.Ctx) error {
	var req feedbackRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid payload: %v", err)
	}
	if err := s.validate.Struct(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "validation failed: %v", err)
	}

	err := s.orch.Feedback(req.RunID, c.Params("id"), types.Feedback(req.Feedback))
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound), errors.Is(err, pipeline.ErrThumbnailNotFound):
		return errorJSON(c, fiber.StatusNotFound, "%v", err)
	case errors.Is(err, pipeline.ErrNotCompleted):
		return errorJSON(c, fiber.StatusConflict, "%v", err)
	case err != nil:
		return errorJSON(c, fiber.StatusInternalServerError, "%v", err)
	}

	run, _ := s.orch.Get(req.RunID)
	return c.JSON(fiber.Map{"status": "success", "data": run.Snapshot()})
}

type regenerateRequest struct {
	RunID     string   `json:"runId" validate:"required"`
	AtSeconds *float64 `json:"atSeconds" validate:"omitempty,gte=0"`
	Text      *string  `json:"text"`
	FontStyle *string  `json:"fontStyle"`
}

// RegenerateThumbnail re-enhances one thumbnail of a completed run.
// Failure is scoped to the edit; the completed view stays intact.
func (s *Server) RegenerateThumbnail(c *fiber.Ctx) error {
	var req regenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "invalid payload: %v", err)
	}
	if err := s.validate.Struct(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "validation failed: %v", err)
	}

	err := s.orch.Regenerate(c.Context(), req.RunID, c.Params("id"), pipeline.RegenerateOptions{
		AtSeconds: req.AtSeconds,
		Text:      req.Text,
		FontStyle: req.FontStyle,
	})
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound), errors.Is(err, pipeline.ErrThumbnailNotFound):
		return errorJSON(c, fiber.StatusNotFound, "%v", err)
	case errors.Is(err, pipeline.ErrNotCompleted):
		return errorJSON(c, fiber.StatusConflict, "%v", err)
	case err != nil:
		return errorJSON(c, fiber.StatusBadGateway, "%v", err)
	}

	run, _ := s.orch.Get(req.RunID)
	return c.JSON(fiber.Map{"status": "success", "data": run.Snapshot()})
}

func hashPassword(pw string) string {
	sum := sha256.Sum256([]byte(pw))
	return hex.EncodeToString(sum[:])
}
