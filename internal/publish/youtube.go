package publish

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"viralflow/internal/config"
	"viralflow/internal/types"
)

// Publisher pushes a completed run's source video to YouTube using the
// generated title, description, and tags. Optional: it only activates
// when enabled in config and OAuth credentials are present in the env.
type Publisher struct {
	cfg *config.Config
	log logrus.FieldLogger
}

// New creates a Publisher. Returns nil when publishing is disabled.
func New(cfg *config.Config, log logrus.FieldLogger) *Publisher {
	if !cfg.Publish.Enabled {
		return nil
	}
	return &Publisher{cfg: cfg, log: log}
}

// Enabled reports whether this publisher is active.
func (p *Publisher) Enabled() bool { return p != nil }

// Publish uploads the video file with the stored run's metadata and
// returns the watch URL.
func (p *Publisher) Publish(ctx context.Context, videoFile string, stored *types.StoredAnalysis) (string, error) {
	p.log.Infof("[publish] authenticating with YouTube API...")

	client, err := p.oauthClient(ctx)
	if err != nil {
		return "", fmt.Errorf("youtube auth: %w", err)
	}

	svc, err := youtube.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return "", fmt.Errorf("youtube service: %w", err)
	}

	title := stored.Analysis.PrimaryTrendingTitle
	p.log.Infof("[publish] uploading %q", title)

	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:                title,
			Description:          stored.Analysis.OptimizedDescription,
			Tags:                 stored.Analysis.SuggestedTags,
			CategoryId:           p.cfg.Publish.CategoryID,
			DefaultLanguage:      p.cfg.Publish.DefaultLanguage,
			DefaultAudioLanguage: p.cfg.Publish.DefaultLanguage,
		},
		Status: &youtube.VideoStatus{
			PrivacyStatus:           p.cfg.Publish.Visibility,
			SelfDeclaredMadeForKids: p.cfg.Publish.MadeForKids,
		},
	}

	f, err := os.Open(videoFile)
	if err != nil {
		return "", fmt.Errorf("open video file: %w", err)
	}
	defer f.Close()

	call := svc.Videos.Insert([]string{"snippet", "status"}, video)
	call.NotifySubscribers(p.cfg.Publish.NotifySubscribers)
	call.Media(f)

	uploaded, err := call.Do()
	if err != nil {
		return "", fmt.Errorf("youtube upload: %w", err)
	}

	url := fmt.Sprintf("https://www.youtube.com/watch?v=%s", uploaded.Id)
	p.log.Infof("[publish] uploaded: %s", url)
	return url, nil
}

// oauthClient builds an OAuth2 HTTP client from env credentials,
// forcing an immediate refresh of the stored refresh token.
func (p *Publisher) oauthClient(ctx context.Context) (*http.Client, error) {
	clientID := os.Getenv("YOUTUBE_CLIENT_ID")
	clientSecret := os.Getenv("YOUTUBE_CLIENT_SECRET")
	refreshToken := os.Getenv("YOUTUBE_REFRESH_TOKEN")

	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, fmt.Errorf("YOUTUBE_CLIENT_ID, YOUTUBE_CLIENT_SECRET, or YOUTUBE_REFRESH_TOKEN not set")
	}

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{youtube.YoutubeUploadScope, youtube.YoutubeScope},
	}
	token := &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	}
	return oauth2.NewClient(ctx, conf.TokenSource(ctx, token)), nil
}
