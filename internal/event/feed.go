package event

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/feeds"

	"github.com/hitoshi/eventman/internal/model"
)

// feedItemLimit はRSSに含める最大件数。
const feedItemLimit = 50

// FeedOfUpcoming は開催予定のイベントをRSS 2.0形式で返す。
// pubDateには開催日時を設定する。
func (s *Service) FeedOfUpcoming(ctx context.Context, now time.Time) ([]byte, error) {
	events, err := s.repo.List(ctx, model.EventFilter{UpcomingOnly: true, Now: now})
	if err != nil {
		return nil, fmt.Errorf("failed to list upcoming events: %w", err)
	}
	if len(events) > feedItemLimit {
		events = events[:feedItemLimit]
	}

	base := strings.TrimRight(s.config.BaseURL, "/")
	feed := &feeds.Feed{
		Title:       "開催予定のイベント",
		Link:        &feeds.Link{Href: base + "/events"},
		Description: "近日開催のイベント一覧",
		Created:     now.UTC(),
		Updated:     now.UTC(),
		Items:       make([]*feeds.Item, 0, len(events)),
	}
	for _, ev := range events {
		item := &feeds.Item{
			Title:       ev.Title,
			Link:        &feeds.Link{Href: base + "/events/" + ev.ID},
			Id:          ev.ID,
			IsPermaLink: "false",
			Description: fmt.Sprintf("%s（%s）定員 %d 名 / 登録 %d 名", ev.Description, ev.Location, ev.Capacity, ev.RegisteredCount()),
			Created:     ev.Date.UTC(),
		}
		if ev.ImageURL != "" && ev.ImageURL != model.DefaultImageURL {
			item.Enclosure = &feeds.Enclosure{Url: ev.ImageURL, Type: "image/jpeg", Length: "0"}
		}
		feed.Items = append(feed.Items, item)
	}

	// feeds.Itemにはcategoryがないため、RSS表現に変換してから設定する。
	rss := (&feeds.Rss{Feed: feed}).RssFeed()
	for i, ev := range events {
		rss.Items[i].Category = ev.Category
	}

	out, err := feeds.ToXML(rss)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rss: %w", err)
	}
	return []byte(out), nil
}
