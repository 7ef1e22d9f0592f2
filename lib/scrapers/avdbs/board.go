package avdbs

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"boardwatch/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PostSummary is one row of a board listing. ID is the site-assigned
// numeric identifier at the end of the post URL and is the sole dedup
// key; it is stable across runs.
type PostSummary struct {
	ID          string
	Board       string
	Title       string
	URL         string
	PublishedAt time.Time
}

var postPathRegex = regexp.MustCompile(`/board/(\d+)(?:$|[/?#])`)

// listing timestamps come in a few shapes depending on post age; an
// unparseable one is defaulted rather than failing the row
var listingTimeLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02",
	"2006.01.02",
	"01-02",
}

func parseListingTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range listingTimeLayouts {
		ts, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		if ts.Year() == 0 {
			ts = ts.AddDate(time.Now().Year(), 0, 0)
		}
		return ts
	}
	return time.Time{}
}

// ListRecent fetches up to maxPages of the board's listing and returns
// post summaries newest first, notices excluded. A first page that
// cannot be fetched or parsed is a ScanError; deeper pages degrade to
// whatever was collected so far.
func (c *Client) ListRecent(ctx context.Context, board string, maxPages int) ([]PostSummary, error) {
	ctx, span := tracer.Start(ctx, "client:ListRecent")
	defer span.End()
	span.SetAttributes(
		attribute.String("board", board),
		attribute.Int("max_pages", maxPages),
	)

	if maxPages < 1 {
		maxPages = 1
	}

	var posts []PostSummary
	seen := map[string]bool{}

	for page := 1; page <= maxPages; page++ {
		pagePosts, err := c.listPage(ctx, board, page)
		if err != nil {
			if page > 1 {
				// a deeper page failing only shortens the window
				span.AddEvent(fmt.Sprintf("page %d failed, returning partial listing", page))
				break
			}
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if len(pagePosts) == 0 {
			break
		}
		for _, p := range pagePosts {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			posts = append(posts, p)
		}
	}

	span.SetAttributes(attribute.Int("post_count", len(posts)))
	return posts, nil
}

func (c *Client) listPage(ctx context.Context, board string, page int) ([]PostSummary, error) {
	req := c.Http.R().SetContext(ctx)
	if page > 1 {
		req.SetQueryParam("page", fmt.Sprint(page))
	}
	res, err := req.Get("/board/" + board)
	if err != nil {
		return nil, &ScanError{Board: board, Page: page, Err: err}
	}

	body := res.String()
	if isLoginWall(body) || isChallengePage(body) {
		return nil, &ScanError{Board: board, Page: page, Err: ErrLoginWall}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, &ScanError{Board: board, Page: page, Err: err}
	}

	base := c.BaseUrl.JoinPath("/board/", board)

	var posts []PostSummary
	sel := doc.Find("a.lnk.vstt")
	if sel.Length() == 0 {
		// markup drifts; fall back to any anchor that looks like a post link
		sel = doc.Find("a[href]")
	}
	sel.Each(func(_ int, anchor *goquery.Selection) {
		// pinned notices repeat on every page and are not content
		if anchor.Find("h2 img.notice").Length() > 0 {
			return
		}

		href := anchor.AttrOr("href", "")
		full := htmlutil.AbsoluteURL(base, href)
		if full == "" {
			return
		}
		groups := postPathRegex.FindStringSubmatch(full)
		if len(groups) < 2 {
			return
		}

		title := htmlutil.CleanText(anchor.Find("h2").Text())
		if title == "" {
			title = htmlutil.CleanText(anchor.Text())
		}
		if title == "" {
			return
		}

		posts = append(posts, PostSummary{
			ID:          groups[1],
			Board:       board,
			Title:       title,
			URL:         full,
			PublishedAt: parseListingTime(anchor.Parent().Find(".date").First().Text()),
		})
	})

	return posts, nil
}
