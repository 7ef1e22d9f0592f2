package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"boardwatch/internal/dedup"
	"boardwatch/lib/scrapers/avdbs"
	"boardwatch/lib/telegram"

	"github.com/stretchr/testify/require"
)

type fakeSite struct {
	listings map[string][]avdbs.PostSummary
	// remaining ListRecent failures per board
	listFailures map[string]int
	// post IDs whose fetch always fails
	fetchErrs map[string]error
	// post IDs behind a login wall until Refresh is called
	walled    map[string]bool
	refreshes int
	// media URLs whose download fails
	badMedia map[string]bool
	media    map[string][]avdbs.MediaRef
}

func (s *fakeSite) ListRecent(ctx context.Context, board string, maxPages int) ([]avdbs.PostSummary, error) {
	if s.listFailures[board] > 0 {
		s.listFailures[board]--
		return nil, &avdbs.ScanError{Board: board, Page: 1, Err: fmt.Errorf("boom")}
	}
	return s.listings[board], nil
}

func (s *fakeSite) FetchPost(ctx context.Context, summary avdbs.PostSummary) (avdbs.PostDetail, error) {
	if err := s.fetchErrs[summary.ID]; err != nil {
		return avdbs.PostDetail{}, err
	}
	if s.walled[summary.ID] {
		return avdbs.PostDetail{}, &avdbs.ExtractError{PostID: summary.ID, Err: avdbs.ErrLoginWall}
	}
	return avdbs.PostDetail{
		PostSummary: summary,
		Body:        "body of " + summary.ID,
		Media:       s.media[summary.ID],
	}, nil
}

func (s *fakeSite) DownloadMedia(ctx context.Context, ref avdbs.MediaRef, index int) (avdbs.MediaBlob, error) {
	if s.badMedia[ref.URL] {
		return avdbs.MediaBlob{}, fmt.Errorf("404")
	}
	return avdbs.MediaBlob{
		Ref:      ref,
		Filename: fmt.Sprintf("media_%d.jpg", index),
		Data:     []byte{0xff},
	}, nil
}

func (s *fakeSite) Valid(ctx context.Context) bool { return true }

func (s *fakeSite) Refresh(ctx context.Context) error {
	s.refreshes++
	for id := range s.walled {
		s.walled[id] = false
	}
	return nil
}

type fakeNotifier struct {
	posts []telegram.PostMessage
	texts []string
}

func (n *fakeNotifier) SendPost(ctx context.Context, post telegram.PostMessage) error {
	n.posts = append(n.posts, post)
	return nil
}

func (n *fakeNotifier) SendText(ctx context.Context, text string) error {
	n.texts = append(n.texts, text)
	return nil
}

func summary(id string) avdbs.PostSummary {
	return avdbs.PostSummary{
		ID:    id,
		Board: "t50",
		Title: "post " + id,
		URL:   "https://board.example.com/board/" + id,
	}
}

func newStore(t *testing.T) *dedup.Store {
	store, err := dedup.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dispatchedIDs(notifier *fakeNotifier) []string {
	var ids []string
	for _, post := range notifier.posts {
		ids = append(ids, post.Link[len(post.Link)-3:])
	}
	return ids
}

func TestRunDispatchesOldestFirst(t *testing.T) {
	site := &fakeSite{listings: map[string][]avdbs.PostSummary{
		// listing order is newest-first
		"t50": {summary("103"), summary("102"), summary("101")},
	}}
	notifier := &fakeNotifier{}
	store := newStore(t)
	w := New(site, notifier, store, Config{Boards: []string{"t50"}})

	report, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Scanned)
	require.Equal(t, 3, report.New)
	require.Equal(t, []string{"101", "102", "103"}, dispatchedIDs(notifier))

	// a second run over the same listing delivers nothing
	report, err = w.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.New)
	require.Len(t, notifier.posts, 3)
}

func TestRunBatchCap(t *testing.T) {
	var listing []avdbs.PostSummary
	for i := 112; i >= 101; i-- {
		listing = append(listing, summary(fmt.Sprintf("%d", i)))
	}
	site := &fakeSite{listings: map[string][]avdbs.PostSummary{"t50": listing}}
	notifier := &fakeNotifier{}
	store := newStore(t)
	w := New(site, notifier, store, Config{Boards: []string{"t50"}, BatchSize: 5})

	report, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 12, report.New)
	require.Equal(t, 7, report.Deferred)
	require.Equal(t, []string{"101", "102", "103", "104", "105"}, dispatchedIDs(notifier))

	// the deferred posts drain on the next run
	notifier.posts = nil
	report, err = w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, report.New)
	require.Equal(t, []string{"106", "107", "108", "109", "110"}, dispatchedIDs(notifier))
}

func TestRunBatchCapSpansBoards(t *testing.T) {
	t50 := []avdbs.PostSummary{summary("104"), summary("103"), summary("102"), summary("101")}
	var t60 []avdbs.PostSummary
	for i := 204; i >= 201; i-- {
		t60 = append(t60, avdbs.PostSummary{
			ID:    fmt.Sprintf("%d", i),
			Board: "t60",
			URL:   fmt.Sprintf("https://board.example.com/board/%d", i),
		})
	}
	site := &fakeSite{listings: map[string][]avdbs.PostSummary{"t50": t50, "t60": t60}}
	notifier := &fakeNotifier{}
	store := newStore(t)
	w := New(site, notifier, store, Config{Boards: []string{"t50", "t60"}, BatchSize: 5})

	// the cap is a run-wide budget: 4 from the first board leaves
	// only 1 for the second
	report, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 8, report.New)
	require.Equal(t, 3, report.Deferred)
	require.Equal(t, []string{"101", "102", "103", "104", "201"}, dispatchedIDs(notifier))

	notifier.posts = nil
	report, err = w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.New)
	require.Equal(t, []string{"202", "203", "204"}, dispatchedIDs(notifier))
}

func TestRunPartialFailureIsolation(t *testing.T) {
	site := &fakeSite{
		listings: map[string][]avdbs.PostSummary{
			"t50": {summary("103"), summary("102"), summary("101")},
		},
		fetchErrs: map[string]error{
			"102": &avdbs.ExtractError{PostID: "102", Err: fmt.Errorf("markup changed")},
		},
	}
	notifier := &fakeNotifier{}
	store := newStore(t)
	w := New(site, notifier, store, Config{Boards: []string{"t50"}})

	report, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"101", "103"}, dispatchedIDs(notifier))
	require.Len(t, report.PostFailures, 1)
	require.Equal(t, "102", report.PostFailures[0].Post.ID)

	// the failed post is not recorded and retries next run
	site.fetchErrs = nil
	notifier.posts = nil
	_, err = w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"102"}, dispatchedIDs(notifier))
}

func TestRunRefreshesSessionOnce(t *testing.T) {
	site := &fakeSite{
		listings: map[string][]avdbs.PostSummary{
			"t50": {summary("102"), summary("101")},
		},
		walled: map[string]bool{"101": true, "102": true},
	}
	notifier := &fakeNotifier{}
	store := newStore(t)
	w := New(site, notifier, store, Config{Boards: []string{"t50"}})

	report, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, site.refreshes)
	require.Len(t, report.PostFailures, 0)
	require.Equal(t, []string{"101", "102"}, dispatchedIDs(notifier))
}

func TestRunMediaFailSoft(t *testing.T) {
	site := &fakeSite{
		listings: map[string][]avdbs.PostSummary{"t50": {summary("101")}},
		media: map[string][]avdbs.MediaRef{
			"101": {
				{URL: "https://cdn.example.com/a.jpg", Kind: avdbs.MediaImage},
				{URL: "https://cdn.example.com/dead.jpg", Kind: avdbs.MediaImage},
			},
		},
		badMedia: map[string]bool{"https://cdn.example.com/dead.jpg": true},
	}
	notifier := &fakeNotifier{}
	store := newStore(t)
	w := New(site, notifier, store, Config{Boards: []string{"t50"}})

	_, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, notifier.posts, 1)
	require.Len(t, notifier.posts[0].Media, 1)
	require.Equal(t, "media_0.jpg", notifier.posts[0].Media[0].Filename)
}

func TestRunScanRetryAndDegrade(t *testing.T) {
	site := &fakeSite{
		listings: map[string][]avdbs.PostSummary{
			"t50": {summary("101")},
			"t60": {{ID: "201", Board: "t60", URL: "https://board.example.com/board/201"}},
		},
		// t50 recovers on the retry, t60 fails both attempts
		listFailures: map[string]int{"t50": 1, "t60": 2},
	}
	notifier := &fakeNotifier{}
	store := newStore(t)
	w := New(site, notifier, store, Config{Boards: []string{"t50", "t60"}})

	report, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"101"}, dispatchedIDs(notifier))
	require.Len(t, report.ScanFailures, 1)
	require.Equal(t, "t60", report.ScanFailures[0].Board)
}

func TestRunHeartbeat(t *testing.T) {
	site := &fakeSite{listings: map[string][]avdbs.PostSummary{"t50": nil}}
	notifier := &fakeNotifier{}
	store := newStore(t)
	w := New(site, notifier, store, Config{Boards: []string{"t50"}, Heartbeat: true})

	_, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, notifier.texts, 1)

	// a run that delivers posts skips the heartbeat
	site.listings["t50"] = []avdbs.PostSummary{summary("101")}
	_, err = w.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, notifier.texts, 1)
}

func TestRunLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")

	lock, err := AcquireRunLock(path)
	require.NoError(t, err)

	_, err = AcquireRunLock(path)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, lock.Release())
	lock, err = AcquireRunLock(path)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}
