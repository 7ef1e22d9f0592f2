package telegram

import (
	"context"
	"log/slog"
	"strings"
)

const maxEmbedLinks = 5

// PostMessage is one board post shaped for delivery.
type PostMessage struct {
	Title      string
	Link       string
	Body       string
	Media      []Upload
	EmbedLinks []string
}

// SendPost delivers a post as either a plain text message or one or
// more media groups with the caption on the first group. Photos and
// videos go in separate groups. When every media group is rejected the
// post degrades to a text message so the notification still lands.
func (b *Bot) SendPost(ctx context.Context, post PostMessage) error {
	batches := batchByKind(post.Media, MaxMediaGroupSize)

	if len(batches) == 0 {
		if err := b.SendText(ctx, Caption(post.Title, post.Link, post.Body, 1, 1)); err != nil {
			return err
		}
		return b.sendEmbedLinks(ctx, post.EmbedLinks)
	}

	delivered := 0
	for i, batch := range batches {
		caption := ContinuationCaption(i+1, len(batches))
		if i == 0 {
			caption = Caption(post.Title, post.Link, post.Body, 1, len(batches))
		}
		if err := b.SendMediaGroup(ctx, batch, caption); err != nil {
			slog.Warn("media group rejected",
				"title", post.Title, "batch", i+1, "err", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		// all groups failed, most often oversized or unfetchable
		// files; the text alone is still worth sending
		if err := b.SendText(ctx, Caption(post.Title, post.Link, post.Body, 1, 1)); err != nil {
			return err
		}
	}
	return b.sendEmbedLinks(ctx, post.EmbedLinks)
}

func (b *Bot) sendEmbedLinks(ctx context.Context, links []string) error {
	if len(links) == 0 {
		return nil
	}
	if len(links) > maxEmbedLinks {
		links = links[:maxEmbedLinks]
	}
	return b.SendText(ctx, "▶ "+strings.Join(links, "\n▶ "))
}

// batchByKind splits media into group-sized runs, keeping page order
// within a kind but never mixing photos and videos in one group.
func batchByKind(media []Upload, size int) [][]Upload {
	var batches [][]Upload
	byKind := map[string][]Upload{}
	var kinds []string
	for _, m := range media {
		if _, seen := byKind[m.Kind]; !seen {
			kinds = append(kinds, m.Kind)
		}
		byKind[m.Kind] = append(byKind[m.Kind], m)
	}
	for _, kind := range kinds {
		run := byKind[kind]
		for len(run) > 0 {
			n := size
			if len(run) < n {
				n = len(run)
			}
			batches = append(batches, run[:n])
			run = run[n:]
		}
	}
	return batches
}
