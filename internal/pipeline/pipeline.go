package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"viralflow/internal/config"
	"viralflow/internal/frames"
	"viralflow/internal/remote"
	"viralflow/internal/types"
)

// State is the pipeline stage a run is currently in. Transitions move
// strictly forward; the only way back is an explicit Reset.
type State string

const (
	StateIdle                 State = "IDLE"
	StateUploading            State = "UPLOADING"
	StateReady                State = "READY"
	StateAnalyzing            State = "ANALYZING"
	StateCapturingFrames      State = "CAPTURING_FRAMES"
	StateGeneratingThumbnails State = "GENERATING_THUMBNAILS"
	StateCompleted            State = "COMPLETED"
	StateError                State = "ERROR"
)

// ValidationError rejects bad input before the pipeline starts. The run
// never leaves its current state.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// RegenerationError is scoped to one thumbnail edit. The completed run
// stays intact and the prior image is preserved.
type RegenerationError struct {
	ThumbnailID string
	Err         error
}

func (e *RegenerationError) Error() string {
	return fmt.Sprintf("regeneration of thumbnail %s failed: %v", e.ThumbnailID, e.Err)
}

func (e *RegenerationError) Unwrap() error { return e.Err }

var (
	ErrRunNotFound       = errors.New("run not found")
	ErrNotReady          = errors.New("run is not ready to start")
	ErrNotCompleted      = errors.New("run has not completed")
	ErrThumbnailNotFound = errors.New("thumbnail not found")
)

// Analyzer is the remote capability the pipeline drives.
type Analyzer interface {
	AnalyzeVideo(ctx context.Context, video []byte, mimeType, vibe, trendContext string) (*types.VideoAnalysis, error)
	EnhanceFrame(ctx context.Context, frame, prompt, text, fontStyle, emotion, vibe string) (string, error)
}

// Capturer samples still frames from the run's source video.
type Capturer interface {
	Open(ctx context.Context, path string) (*frames.Handle, error)
	Capture(ctx context.Context, h *frames.Handle, atSeconds float64) ([]byte, error)
}

// TrendSource supplies optional live trend context for the analysis
// prompt. May be backed by a nil service; Context then returns nothing.
type TrendSource interface {
	Context(ctx context.Context) (string, []types.GroundingSource)
}

// Saver persists a completed run.
type Saver interface {
	SaveAnalysis(a *types.StoredAnalysis) error
}

// Snapshot is the externally visible view of a run at one instant.
// Slices are copies; mutating them does not affect the run.
type Snapshot struct {
	ID          string               `json:"id"`
	State       State                `json:"state"`
	Progress    string               `json:"progress,omitempty"`
	Error       string               `json:"error,omitempty"`
	RateLimited bool                 `json:"rateLimited,omitempty"`
	VideoName   string               `json:"videoName"`
	Vibe        string               `json:"vibe,omitempty"`
	Analysis    *types.VideoAnalysis `json:"analysis,omitempty"`
	Thumbnails  []types.Thumbnail    `json:"thumbnails,omitempty"`
	SavedID     string               `json:"savedId,omitempty"`
}

// Listener receives a snapshot after every observable change to a run:
// each state transition and each appended thumbnail.
type Listener func(Snapshot)

// Run is one pipeline execution from upload to completion. All fields
// behind mu; epoch increments on Reset so stale in-flight results from
// a superseded execution are discarded instead of applied.
type Run struct {
	mu        sync.Mutex
	id        string
	ownerID   string
	epoch     int
	state     State
	progress  string
	errMsg    string
	rateLim   bool
	videoPath string
	videoName string
	mimeType  string
	video     []byte
	vibe      string
	handle    *frames.Handle
	analysis  *types.VideoAnalysis
	thumbs    []types.Thumbnail
	savedID   string
	cancel    context.CancelFunc
	listeners map[int]Listener
	nextLis   int
}

// ID returns the run's identifier.
func (r *Run) ID() string { return r.id }

// VideoPath returns the uploaded file backing this run.
func (r *Run) VideoPath() string { return r.videoPath }

// Snapshot returns a copy of the run's current view.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Run) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:          r.id,
		State:       r.state,
		Progress:    r.progress,
		Error:       r.errMsg,
		RateLimited: r.rateLim,
		VideoName:   r.videoName,
		Vibe:        r.vibe,
		Analysis:    r.analysis,
		SavedID:     r.savedID,
	}
	if len(r.thumbs) > 0 {
		snap.Thumbnails = make([]types.Thumbnail, len(r.thumbs))
		copy(snap.Thumbnails, r.thumbs)
	}
	return snap
}

// Subscribe registers a listener and returns its cancel function.
func (r *Run) Subscribe(l Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextLis
	r.nextLis++
	if r.listeners == nil {
		r.listeners = make(map[int]Listener)
	}
	r.listeners[id] = l
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// publish snapshots the run and notifies listeners outside the lock.
func (r *Run) publish() {
	r.mu.Lock()
	snap := r.snapshotLocked()
	ls := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	r.mu.Unlock()
	for _, l := range ls {
		l(snap)
	}
}

func (r *Run) setState(s State, progress string) {
	r.mu.Lock()
	r.state = s
	r.progress = progress
	r.mu.Unlock()
	r.publish()
}

func (r *Run) stale(epoch int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch != epoch
}

// Orchestrator owns every run and drives each one through the pipeline.
type Orchestrator struct {
	cfg      *config.Config
	analyzer Analyzer
	capturer Capturer
	trends   TrendSource
	store    Saver
	log      logrus.FieldLogger

	// test seams
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu   sync.Mutex
	runs map[string]*Run
}

// New wires an orchestrator from its collaborators.
func New(cfg *config.Config, analyzer Analyzer, capturer Capturer, trends TrendSource, store Saver, log logrus.FieldLogger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		analyzer: analyzer,
		capturer: capturer,
		trends:   trends,
		store:    store,
		log:      log,
		sleep:    sleepCtx,
		now:      time.Now,
		runs:     make(map[string]*Run),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CreateRun validates and loads an uploaded video, moving the new run
// Idle -> Uploading -> Ready. Oversized uploads are rejected with a
// ValidationError and no run is created.
func (o *Orchestrator) CreateRun(videoPath, videoName, mimeType, vibe, ownerID string) (*Run, error) {
	info, err := os.Stat(videoPath)
	if err != nil {
		return nil, fmt.Errorf("stat upload: %w", err)
	}
	maxBytes := int64(o.cfg.Server.MaxUploadMB) * 1024 * 1024
	if info.Size() > maxBytes {
		return nil, &ValidationError{Message: fmt.Sprintf("File is too large. Please upload a video under %dMB.", o.cfg.Server.MaxUploadMB)}
	}
	if ownerID == "" {
		ownerID = types.GuestUserID
	}

	run := &Run{
		id:        uuid.NewString(),
		ownerID:   ownerID,
		state:     StateIdle,
		videoPath: videoPath,
		videoName: videoName,
		mimeType:  mimeType,
		vibe:      vibe,
	}
	run.setState(StateUploading, "Loading video...")

	data, err := os.ReadFile(videoPath)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	run.mu.Lock()
	run.video = data
	run.mu.Unlock()
	run.setState(StateReady, "Ready to analyze")

	o.mu.Lock()
	o.runs[run.id] = run
	o.mu.Unlock()

	o.log.Infof("[pipeline] run %s created for %q (%d bytes)", run.id, videoName, len(data))
	return run, nil
}

// Get returns a run by id.
func (o *Orchestrator) Get(runID string) (*Run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

// Start executes the pipeline for a Ready run and blocks until it
// completes, fails, or is superseded by a reset. Callers wanting
// fire-and-forget semantics run it in a goroutine.
func (o *Orchestrator) Start(ctx context.Context, runID string) error {
	run, err := o.Get(runID)
	if err != nil {
		return err
	}

	// claim the run by transitioning inside the same critical section
	// as the Ready check, so concurrent Start calls cannot both pass
	run.mu.Lock()
	if run.state != StateReady || len(run.video) == 0 {
		run.mu.Unlock()
		return ErrNotReady
	}
	epoch := run.epoch
	runCtx, cancel := context.WithCancel(ctx)
	run.cancel = cancel
	run.state = StateAnalyzing
	run.progress = analyzingLabel(run.vibe)
	run.mu.Unlock()
	run.publish()
	defer cancel()

	if err := o.execute(runCtx, run, epoch); err != nil {
		o.fail(run, epoch, err)
		return err
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, run *Run, epoch int) error {
	trendCtx, trendSources := "", []types.GroundingSource(nil)
	if o.trends != nil {
		trendCtx, trendSources = o.trends.Context(ctx)
	}

	analysis, err := o.analyzer.AnalyzeVideo(ctx, run.video, run.mimeType, run.vibe, trendCtx)
	if err != nil {
		return err
	}
	if run.stale(epoch) {
		o.log.Infof("[pipeline] run %s was reset mid-analysis, discarding result", run.id)
		return nil
	}
	if len(analysis.ThumbnailMoments) == 0 {
		return errors.New("could not find high-potential moments in the video")
	}
	o.checkCounts(run.id, analysis)
	if len(analysis.Sources) == 0 {
		analysis.Sources = trendSources
	}

	run.mu.Lock()
	run.analysis = analysis
	run.mu.Unlock()

	moments := analysis.ThumbnailMoments
	run.setState(StateCapturingFrames, fmt.Sprintf("Capturing precision frame 1/%d...", len(moments)))

	handle, err := o.capturer.Open(ctx, run.videoPath)
	if err != nil {
		return err
	}
	run.mu.Lock()
	run.handle = handle
	run.mu.Unlock()

	captured := make([][]byte, 0, len(moments))
	for i, m := range moments {
		run.mu.Lock()
		run.progress = fmt.Sprintf("Capturing precision frame %d/%d...", i+1, len(moments))
		run.mu.Unlock()
		run.publish()

		frame, err := o.capturer.Capture(ctx, handle, m.Seconds)
		if err != nil {
			return err
		}
		if run.stale(epoch) {
			return nil
		}
		captured = append(captured, frame)
	}

	run.setState(StateGeneratingThumbnails, fmt.Sprintf("Enhancing thumbnail 1/%d with AI...", len(moments)))

	throttle := time.Duration(o.cfg.Enhance.ThrottleMS) * time.Millisecond
	for i, m := range moments {
		if i > 0 {
			if err := o.sleep(ctx, throttle); err != nil {
				return err
			}
			if run.stale(epoch) {
				return nil
			}
		}
		run.mu.Lock()
		run.progress = fmt.Sprintf("Enhancing thumbnail %d/%d with AI...", i+1, len(moments))
		run.mu.Unlock()
		run.publish()

		frame := frames.PNGDataURI(captured[i])
		enhanced, err := o.analyzer.EnhanceFrame(ctx, frame, m.Prompt, m.SuggestedText, m.FontStyle, m.Emotion, run.vibe)
		if err != nil {
			return err
		}
		if run.stale(epoch) {
			return nil
		}

		thumb := types.Thumbnail{
			ID:            uuid.NewString(),
			URL:           enhanced,
			OriginalFrame: frame,
			Prompt:        m.Prompt,
			Timestamp:     m.Timestamp,
			SuggestedText: m.SuggestedText,
			LinkedTitle:   m.LinkedTitle,
			Emotion:       m.Emotion,
			FontStyle:     m.FontStyle,
		}
		run.mu.Lock()
		run.thumbs = append(run.thumbs, thumb)
		run.mu.Unlock()
		run.publish()
	}

	stored := &types.StoredAnalysis{
		ID:         uuid.NewString(),
		UserID:     run.ownerID,
		VideoName:  run.videoName,
		Analysis:   *analysis,
		Thumbnails: append([]types.Thumbnail(nil), run.Snapshot().Thumbnails...),
		Vibe:       run.vibe,
		CreatedAt:  o.now(),
	}
	// a reset racing the final enhancement must not leave a record in
	// history, so check staleness before persisting
	if run.stale(epoch) {
		return nil
	}
	if err := o.store.SaveAnalysis(stored); err != nil {
		return fmt.Errorf("persist analysis: %w", err)
	}

	run.mu.Lock()
	run.savedID = stored.ID
	run.mu.Unlock()
	run.setState(StateCompleted, "Done")
	o.log.Infof("[pipeline] run %s completed with %d thumbnails", run.id, len(stored.Thumbnails))
	return nil
}

// fail moves the run to Error unless a reset already superseded it.
func (o *Orchestrator) fail(run *Run, epoch int, err error) {
	if run.stale(epoch) {
		o.log.Infof("[pipeline] run %s failed after reset, result discarded: %v", run.id, err)
		return
	}
	rateLimited := remote.IsRateLimited(err)
	msg := err.Error()
	if rateLimited {
		msg += " The AI service is busy right now. Please wait a moment and try again."
	}
	run.mu.Lock()
	run.state = StateError
	run.progress = ""
	run.errMsg = msg
	run.rateLim = rateLimited
	run.thumbs = nil
	run.mu.Unlock()
	run.publish()
	o.log.Errorf("[pipeline] run %s failed: %v", run.id, err)
}

// Reset clears the run back to Idle. In-flight work is cancelled and
// any result it still produces is discarded. Persisted records survive;
// the uploaded video file does not, since a reset run cannot restart.
func (o *Orchestrator) Reset(runID string) error {
	run, err := o.Get(runID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	run.epoch++
	if run.cancel != nil {
		run.cancel()
		run.cancel = nil
	}
	run.state = StateIdle
	run.progress = ""
	run.errMsg = ""
	run.rateLim = false
	run.video = nil
	run.handle = nil
	run.analysis = nil
	run.thumbs = nil
	run.savedID = ""
	videoPath := run.videoPath
	run.mu.Unlock()
	run.publish()

	if videoPath != "" {
		if err := os.Remove(videoPath); err != nil && !os.IsNotExist(err) {
			o.log.Warnf("[pipeline] run %s: remove uploaded file: %v", runID, err)
		}
	}
	return nil
}

// Feedback toggles a thumbnail's reaction. Reapplying the same value
// clears it. Only valid on a completed run.
func (o *Orchestrator) Feedback(runID, thumbID string, fb types.Feedback) error {
	run, err := o.Get(runID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	if run.state != StateCompleted {
		run.mu.Unlock()
		return ErrNotCompleted
	}
	idx := indexOfThumb(run.thumbs, thumbID)
	if idx < 0 {
		run.mu.Unlock()
		return ErrThumbnailNotFound
	}
	if run.thumbs[idx].Feedback == fb {
		run.thumbs[idx].Feedback = types.FeedbackNone
	} else {
		run.thumbs[idx].Feedback = fb
	}
	run.mu.Unlock()
	run.publish()
	return nil
}

// RegenerateOptions control one thumbnail regeneration. A nil AtSeconds
// reuses the retained original frame; a set value captures a fresh
// frame at that scrubbed position. Text and FontStyle override the
// moment's values when set.
type RegenerateOptions struct {
	AtSeconds *float64
	Text      *string
	FontStyle *string
}

// Regenerate re-enhances one thumbnail of a completed run. The run's
// vibe is deliberately not applied so the edit reflects only the
// user's explicit direction. Failure leaves the prior image intact.
func (o *Orchestrator) Regenerate(ctx context.Context, runID, thumbID string, opts RegenerateOptions) error {
	run, err := o.Get(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	if run.state != StateCompleted {
		run.mu.Unlock()
		return ErrNotCompleted
	}
	idx := indexOfThumb(run.thumbs, thumbID)
	if idx < 0 {
		run.mu.Unlock()
		return ErrThumbnailNotFound
	}
	thumb := run.thumbs[idx]
	handle := run.handle
	run.thumbs[idx].IsRegenerating = true
	run.mu.Unlock()
	run.publish()

	text := thumb.SuggestedText
	if opts.Text != nil {
		text = *opts.Text
	}
	style := thumb.FontStyle
	if opts.FontStyle != nil {
		style = *opts.FontStyle
	}

	regenErr := func() error {
		frame := thumb.OriginalFrame
		if opts.AtSeconds != nil {
			if handle == nil {
				h, err := o.capturer.Open(ctx, run.videoPath)
				if err != nil {
					return err
				}
				run.mu.Lock()
				run.handle = h
				run.mu.Unlock()
				handle = h
			}
			png, err := o.capturer.Capture(ctx, handle, *opts.AtSeconds)
			if err != nil {
				return err
			}
			frame = frames.PNGDataURI(png)
		}

		enhanced, err := o.analyzer.EnhanceFrame(ctx, frame, thumb.Prompt, text, style, thumb.Emotion, "")
		if err != nil {
			return err
		}

		run.mu.Lock()
		if i := indexOfThumb(run.thumbs, thumbID); i >= 0 {
			run.thumbs[i].URL = enhanced
			run.thumbs[i].OriginalFrame = frame
			run.thumbs[i].SuggestedText = text
			run.thumbs[i].FontStyle = style
			run.thumbs[i].Feedback = types.FeedbackNone
			run.thumbs[i].IsRegenerating = false
		}
		run.mu.Unlock()
		return nil
	}()

	if regenErr != nil {
		run.mu.Lock()
		if i := indexOfThumb(run.thumbs, thumbID); i >= 0 {
			run.thumbs[i].IsRegenerating = false
		}
		run.mu.Unlock()
		run.publish()
		return &RegenerationError{ThumbnailID: thumbID, Err: regenErr}
	}
	run.publish()
	return nil
}

// checkCounts warns when the model strays from the asserted moment and
// tag counts. Anything non-zero is accepted as-is.
func (o *Orchestrator) checkCounts(runID string, a *types.VideoAnalysis) {
	if n := len(a.ThumbnailMoments); n != o.cfg.Analysis.ThumbMomentCount {
		o.log.Warnf("[pipeline] run %s: expected %d thumbnail moments, got %d", runID, o.cfg.Analysis.ThumbMomentCount, n)
	}
	if n := len(a.KeyMoments); n != o.cfg.Analysis.KeyMomentCount {
		o.log.Warnf("[pipeline] run %s: expected %d key moments, got %d", runID, o.cfg.Analysis.KeyMomentCount, n)
	}
}

func analyzingLabel(vibe string) string {
	if vibe != "" {
		return fmt.Sprintf("Analyzing video with a '%s' vibe...", vibe)
	}
	return "Analyzing viral potential..."
}

func indexOfThumb(thumbs []types.Thumbnail, id string) int {
	for i := range thumbs {
		if thumbs[i].ID == id {
			return i
		}
	}
	return -1
}
