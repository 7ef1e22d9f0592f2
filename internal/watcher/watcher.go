// Package watcher runs one scan-diff-dispatch cycle: list recent
// posts on each watched board, drop everything already delivered,
// then extract, notify and record the remainder oldest-first.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"boardwatch/internal/dedup"
	"boardwatch/lib/scrapers/avdbs"
	"boardwatch/lib/telegram"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("watcher")

// Site is the authenticated board session the watcher scans.
type Site interface {
	ListRecent(ctx context.Context, board string, maxPages int) ([]avdbs.PostSummary, error)
	FetchPost(ctx context.Context, summary avdbs.PostSummary) (avdbs.PostDetail, error)
	DownloadMedia(ctx context.Context, ref avdbs.MediaRef, index int) (avdbs.MediaBlob, error)
	Valid(ctx context.Context) bool
	Refresh(ctx context.Context) error
}

// Notifier delivers extracted posts to the chat channel.
type Notifier interface {
	SendPost(ctx context.Context, post telegram.PostMessage) error
	SendText(ctx context.Context, text string) error
}

type Config struct {
	Boards   []string `json:"boards"`
	MaxPages int      `json:"max_pages"`
	// BatchSize caps dispatches per run so a backlog (first run,
	// long outage) drains gradually instead of flooding the chat.
	BatchSize int `json:"batch_size"`
	// Heartbeat sends a short liveness message on runs that found
	// nothing new.
	Heartbeat bool `json:"heartbeat"`
}

const (
	defaultMaxPages  = 2
	defaultBatchSize = 5
)

type Watcher struct {
	site     Site
	notifier Notifier
	store    *dedup.Store
	config   Config
}

func New(site Site, notifier Notifier, store *dedup.Store, config Config) *Watcher {
	if config.MaxPages <= 0 {
		config.MaxPages = defaultMaxPages
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	return &Watcher{
		site:     site,
		notifier: notifier,
		store:    store,
		config:   config,
	}
}

// Run executes one full cycle. Per-board and per-post failures are
// absorbed into the report; only persistence failures and context
// cancellation abort the run.
func (w *Watcher) Run(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "watcher:Run")
	defer span.End()

	report := NewReport(uuid.NewString())
	span.SetAttributes(attribute.String("run_id", report.RunID))
	slog.Info("run started", "run_id", report.RunID, "boards", w.config.Boards)

	seen, err := w.store.Load(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report, fmt.Errorf("load seen set: %w", err)
	}

	// one session refresh per run; a second login wall means the
	// session is not coming back this run
	refreshed := false

	// the dispatch budget is per run, not per board, so a multi-board
	// backlog still drains at BatchSize per invocation
	budget := w.config.BatchSize

	for _, board := range w.config.Boards {
		summaries, err := w.scanBoard(ctx, board)
		if err != nil {
			slog.Error("board scan failed", "board", board, "err", err)
			report.ScanFailures = append(report.ScanFailures, BoardFailure{
				Board: board, Err: err,
			})
			continue
		}
		report.Scanned += len(summaries)

		fresh := dedup.DiffNew(seen, summaries)
		report.New += len(fresh)

		// listings are newest-first; deliver oldest-first so the
		// chat reads chronologically, and let the batch cap leave
		// the newest for the next run
		reverse(fresh)
		if len(fresh) > budget {
			report.Deferred += len(fresh) - budget
			fresh = fresh[:budget]
		}
		budget -= len(fresh)

		for _, summary := range fresh {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			err := w.dispatch(ctx, report.RunID, summary, &refreshed)
			if err != nil {
				var persistErr *PersistError
				if errors.As(err, &persistErr) {
					span.SetStatus(codes.Error, err.Error())
					return report, err
				}
				slog.Error("post dispatch failed",
					"board", summary.Board, "post", summary.ID, "err", err)
				report.PostFailures = append(report.PostFailures, PostFailure{
					Post: summary, Err: err,
				})
				continue
			}
			report.Dispatched = append(report.Dispatched, summary)
		}
	}

	if w.config.Heartbeat && len(report.Dispatched) == 0 {
		if err := w.notifier.SendText(ctx, heartbeatText(report)); err != nil {
			slog.Warn("heartbeat failed", "err", err)
		}
	}

	slog.Info("run finished",
		"run_id", report.RunID,
		"scanned", report.Scanned,
		"new", report.New,
		"dispatched", len(report.Dispatched),
		"failed", len(report.PostFailures))
	return report, nil
}

// scanBoard lists one board, retrying once before giving up. A scan
// that keeps failing only delays delivery; posts stay in the listing
// and get picked up next run.
func (w *Watcher) scanBoard(ctx context.Context, board string) ([]avdbs.PostSummary, error) {
	summaries, err := w.site.ListRecent(ctx, board, w.config.MaxPages)
	if err == nil {
		return summaries, nil
	}
	slog.Warn("board scan retrying", "board", board, "err", err)
	return w.site.ListRecent(ctx, board, w.config.MaxPages)
}

// PersistError marks a dedup-store write failure. Dispatching without
// being able to record it would duplicate the post forever, so the run
// aborts.
type PersistError struct {
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist dispatched post: %s", e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

func (w *Watcher) dispatch(ctx context.Context, runID string, summary avdbs.PostSummary, refreshed *bool) error {
	ctx, span := tracer.Start(ctx, "watcher:dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("board", summary.Board),
		attribute.String("post", summary.ID),
	)

	detail, err := w.site.FetchPost(ctx, summary)
	if errors.Is(err, avdbs.ErrLoginWall) && !*refreshed {
		// session died mid-run; re-login once and retry this post
		*refreshed = true
		slog.Warn("session expired mid-run, refreshing", "post", summary.ID)
		if refreshErr := w.site.Refresh(ctx); refreshErr != nil {
			return fmt.Errorf("refresh session: %w", refreshErr)
		}
		detail, err = w.site.FetchPost(ctx, summary)
	}
	if err != nil {
		return err
	}

	message := telegram.PostMessage{
		Title:      detail.Title,
		Link:       detail.URL,
		Body:       detail.Body,
		EmbedLinks: detail.EmbedLinks,
	}
	for i, ref := range detail.Media {
		blob, err := w.site.DownloadMedia(ctx, ref, i)
		if err != nil {
			// a dead CDN link should not sink the whole post
			slog.Warn("media download failed",
				"post", summary.ID, "url", ref.URL, "err", err)
			continue
		}
		message.Media = append(message.Media, telegram.Upload{
			Kind:     uploadKind(ref.Kind),
			Filename: blob.Filename,
			Data:     blob.Data,
		})
	}

	if err := w.notifier.SendPost(ctx, message); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	// record immediately after delivery; a crash later in the run
	// must not resend this post
	if err := w.store.Commit(ctx, runID, summary); err != nil {
		return &PersistError{Err: err}
	}
	return nil
}

func uploadKind(kind avdbs.MediaKind) string {
	if kind == avdbs.MediaVideo {
		return "video"
	}
	return "photo"
}

func reverse(posts []avdbs.PostSummary) {
	for i, j := 0, len(posts)-1; i < j; i, j = i+1, j-1 {
		posts[i], posts[j] = posts[j], posts[i]
	}
}

func heartbeatText(report Report) string {
	return fmt.Sprintf("💓 이상 없음 — 게시글 %d건 확인, 새 글 없음", report.Scanned)
}
