package collect

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/narrativelabs/driftwatch/rategate"
	"github.com/narrativelabs/driftwatch/sources"
	"github.com/narrativelabs/driftwatch/state"
)

// DefaultEngagementThreshold gates posts from unwatched accounts.
const DefaultEngagementThreshold = 50

// searchEndpoint keys the rate gate for post search.
const searchEndpoint = "search"

// SocialCollector searches recent posts for the configured queries and
// independently fetches each watched account's recent posts, which are
// always significant regardless of engagement.
type SocialCollector struct {
	src                 sources.SocialPlatform
	gate                *rategate.Gate
	queries             []string
	watchedHandles      []string
	watched             map[string]struct{}
	engagementThreshold int
	maxPerQuery         int
	platform            string
	log                 *zap.Logger
}

// NewSocialCollector builds the collector. Watched handles are compared
// exactly; a non-positive engagement threshold uses the default.
func NewSocialCollector(src sources.SocialPlatform, gate *rategate.Gate, queries, watchedHandles []string, engagementThreshold int, log *zap.Logger) *SocialCollector {
	if engagementThreshold <= 0 {
		engagementThreshold = DefaultEngagementThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	watched := make(map[string]struct{}, len(watchedHandles))
	for _, h := range watchedHandles {
		watched[h] = struct{}{}
	}
	return &SocialCollector{
		src:                 src,
		gate:                gate,
		queries:             queries,
		watchedHandles:      watchedHandles,
		watched:             watched,
		engagementThreshold: engagementThreshold,
		maxPerQuery:         50,
		platform:            "x",
		log:                 log,
	}
}

// Name implements Collector.
func (c *SocialCollector) Name() string { return "social" }

// Collect implements Collector.
func (c *SocialCollector) Collect(ctx context.Context, st *state.UnifiedState) error {
	var errs []error
	seen := make(map[string]struct{})

	for _, query := range c.queries {
		if err := c.gate.WaitContext(ctx, searchEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("query %q: %w", query, err))
			continue
		}

		posts, rateInfo, err := c.src.SearchRecent(ctx, query, c.maxPerQuery)
		c.applyRateInfo(rateInfo)
		if err != nil {
			c.log.Warn("social search failed", zap.String("query", query), zap.Error(err))
			errs = append(errs, fmt.Errorf("query %q: %w", query, err))
			continue
		}

		for _, post := range posts {
			if _, dup := seen[post.ID]; dup {
				continue
			}
			seen[post.ID] = struct{}{}
			c.consider(st, post, query, false)
		}
	}

	// Watched accounts are their own feed: their posts surface even when
	// no search query matches them.
	for _, handle := range c.watchedHandles {
		if err := c.gate.WaitContext(ctx, searchEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("watched %q: %w", handle, err))
			continue
		}

		user, err := c.src.UserByHandle(ctx, handle)
		if err != nil {
			c.log.Warn("watched account lookup failed", zap.String("handle", handle), zap.Error(err))
			errs = append(errs, fmt.Errorf("watched %q: %w", handle, err))
			continue
		}

		query := "from:" + user.Handle
		posts, rateInfo, err := c.src.SearchRecent(ctx, query, c.maxPerQuery)
		c.applyRateInfo(rateInfo)
		if err != nil {
			c.log.Warn("watched feed fetch failed", zap.String("handle", handle), zap.Error(err))
			errs = append(errs, fmt.Errorf("watched %q: %w", handle, err))
			continue
		}

		for _, post := range posts {
			if _, dup := seen[post.ID]; dup {
				continue
			}
			seen[post.ID] = struct{}{}
			c.consider(st, post, query, true)
		}
	}
	return errors.Join(errs...)
}

// consider appends a SocialEvent when the post clears the engagement
// threshold or its author is watched (watched accounts are always
// significant). fromWatchedFeed marks posts fetched off a watched
// account's own feed, which skip the threshold unconditionally.
func (c *SocialCollector) consider(st *state.UnifiedState, post sources.Post, query string, fromWatchedFeed bool) {
	engagement := state.Engagement{
		Likes:   post.Likes,
		Replies: post.Replies,
		Reposts: post.Reposts,
		Quotes:  post.Quotes,
	}
	_, watched := c.watched[post.AuthorHandle]
	watched = watched || fromWatchedFeed
	if !watched && engagement.Total() < c.engagementThreshold {
		return
	}

	st.AppendSocialEvent(state.SocialEvent{
		Content:    post.Text,
		Author:     post.AuthorHandle,
		Timestamp:  post.CreatedAt.UTC(),
		Platform:   c.platform,
		Engagement: engagement,
		Sentiment:  Sentiment(post.Text),
		Metadata: map[string]any{
			"post_id": post.ID,
			"query":   query,
			"watched": watched,
		},
	})
}

func (c *SocialCollector) applyRateInfo(info sources.RateInfo) {
	if info.Limit == 0 && info.Remaining == 0 && info.ResetAt.IsZero() {
		return
	}
	c.gate.UpdateWindow(searchEndpoint, info.Limit, info.Remaining, info.ResetAt)
}
