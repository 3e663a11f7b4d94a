package types

import "time"

// GroundingSource is an external reference cited in support of trend claims.
type GroundingSource struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// KeyMoment is a notable timestamp for retention analysis.
type KeyMoment struct {
	Timestamp   string  `json:"timestamp"`
	Description string  `json:"description"`
	ViralScore  float64 `json:"viralScore"`
}

// ThumbnailMoment is a point in the video flagged as thumbnail material.
// Each moment is consumed exactly once to produce one Thumbnail.
type ThumbnailMoment struct {
	Seconds       float64 `json:"seconds"`
	Timestamp     string  `json:"timestamp"`
	Emotion       string  `json:"emotion"`
	Prompt        string  `json:"prompt"`
	SuggestedText string  `json:"suggestedText"`
	FontStyle     string  `json:"fontStyle"`
	LinkedTitle   string  `json:"linkedTitle"`
}

// VideoAnalysis is the structured result of one analysis call.
// It is produced atomically: either fully populated or the call failed.
type VideoAnalysis struct {
	Summary              string            `json:"summary"`
	TargetAudience       string            `json:"targetAudience"`
	ViralityHook         string            `json:"viralityHook"`
	PrimaryTrendingTitle string            `json:"primaryTrendingTitle"`
	OptimizedDescription string            `json:"optimizedDescription"`
	TrendingContext      string            `json:"trendingContext"`
	KeyMoments           []KeyMoment       `json:"keyMoments"`
	SuggestedTags        []string          `json:"suggestedTags"`
	ThumbnailMoments     []ThumbnailMoment `json:"thumbnailMoments"`
	Sources              []GroundingSource `json:"sources,omitempty"`
}

// Feedback is the tri-state reaction on a thumbnail.
type Feedback string

const (
	FeedbackNone Feedback = ""
	FeedbackUp   Feedback = "up"
	FeedbackDown Feedback = "down"
)

// Thumbnail is the enhanced, persistable artifact produced from one moment.
// URL and OriginalFrame are data URIs; OriginalFrame is retained so
// regeneration never has to re-extract from the source video.
type Thumbnail struct {
	ID             string   `json:"id"`
	URL            string   `json:"url"`
	OriginalFrame  string   `json:"originalFrame,omitempty"`
	Prompt         string   `json:"prompt"`
	Timestamp      string   `json:"timestamp"`
	SuggestedText  string   `json:"suggestedText"`
	LinkedTitle    string   `json:"linkedTitle"`
	Emotion        string   `json:"emotion"`
	FontStyle      string   `json:"fontStyle"`
	IsRegenerating bool     `json:"isRegenerating,omitempty"`
	Feedback       Feedback `json:"feedback,omitempty"`
}

// StoredAnalysis is the persisted unit for one completed run.
// Once written it is never updated in place.
type StoredAnalysis struct {
	ID         string        `json:"id"`
	UserID     string        `json:"userId"`
	VideoName  string        `json:"videoName"`
	Analysis   VideoAnalysis `json:"analysis"`
	Thumbnails []Thumbnail   `json:"thumbnails"`
	Vibe       string        `json:"vibe,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// User is a registered account record, keyed by email.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Password  string    `json:"password,omitempty"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// GuestUserID owns runs created without an authenticated user.
const GuestUserID = "local-creator"
