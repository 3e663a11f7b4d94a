package trends

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vartanbeno/go-reddit/v2/reddit"

	"viralflow/internal/config"
	"viralflow/internal/types"
)

// hotLister is the slice of the Reddit client the service needs.
// *reddit.SubredditService satisfies it.
type hotLister interface {
	HotPosts(ctx context.Context, subreddit string, opts *reddit.ListOptions) ([]*reddit.Post, *reddit.Response, error)
}

// Service collects live community signals that ground the analysis
// prompt in what is trending right now. Entirely optional: when
// disabled or unreachable the pipeline runs without trend context.
type Service struct {
	cfg    *config.Config
	reddit hotLister
	log    logrus.FieldLogger
}

// New builds a trend service. A nil service is returned when trends
// are disabled, and callers treat that as "no context available".
func New(cfg *config.Config, log logrus.FieldLogger) (*Service, error) {
	if !cfg.Trends.Enabled || len(cfg.Trends.Subreddits) == 0 {
		return nil, nil
	}
	client, err := reddit.NewReadonlyClient()
	if err != nil {
		return nil, fmt.Errorf("reddit client: %w", err)
	}
	return &Service{cfg: cfg, reddit: client.Subreddit, log: log}, nil
}

// Context fetches hot post titles from the configured subreddits and
// renders them into a prompt fragment plus citation sources. Per-sub
// failures are warnings, not errors; an empty result means "skip".
func (s *Service) Context(ctx context.Context) (string, []types.GroundingSource) {
	if s == nil {
		return "", nil
	}

	var lines []string
	var sources []types.GroundingSource

	for _, sub := range s.cfg.Trends.Subreddits {
		posts, _, err := s.reddit.HotPosts(ctx, sub, &reddit.ListOptions{Limit: s.cfg.Trends.PostLimit})
		if err != nil {
			s.log.Warnf("[trends] r/%s fetch warning: %v", sub, err)
			continue
		}
		for _, post := range posts {
			if post.Title == "" {
				continue
			}
			lines = append(lines, fmt.Sprintf("- r/%s (%d upvotes): %s", sub, post.Score, post.Title))
			sources = append(sources, types.GroundingSource{
				Title: post.Title,
				URI:   "https://www.reddit.com" + post.Permalink,
			})
		}
	}

	if len(lines) == 0 {
		return "", nil
	}
	s.log.Infof("[trends] collected %d trending signals", len(lines))
	return "Currently trending video topics:\n" + strings.Join(lines, "\n"), sources
}
