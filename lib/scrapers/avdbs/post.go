package avdbs

import (
	"context"
	"net/url"
	"strings"

	"boardwatch/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

type MediaRef struct {
	URL  string
	Kind MediaKind
}

// PostDetail is a fully extracted post: the listing summary plus body
// text and media discovered on the detail page. Media keeps document
// order with duplicates removed; EmbedLinks are iframe players that can
// only be delivered as links.
type PostDetail struct {
	PostSummary
	Body       string
	Media      []MediaRef
	EmbedLinks []string
}

const (
	// bounds the downstream notification payload
	MaxMediaPerPost = 10
	bodySummaryLen  = 280
)

// the content container has gone by several names across site
// revisions; try them in order of likelihood
var contentSelectors = []string{
	"#bo_v_con",
	".view_content",
	".bo_v_con",
	".xe_content",
	"article",
}

var videoExtensions = []string{".mp4", ".mov", ".webm", ".mkv", ".m4v", ".avi"}

// decorative assets that live inside the content container but are not
// post media
var defaultExcludedImages = []string{
	"logo", "banner", "ads", "level", "19cert", "new_9x9w",
	"loading_img", "favicon", "/thumb/", "/placeholder/",
}

// iframe players worth relaying as links
var defaultEmbedHosts = []string{"youtube.com", "youtu.be", "dood", "avdbs.com"}

// ExtractRules tunes media discovery on detail pages. Zero-value
// fields fall back to the defaults above.
type ExtractRules struct {
	// substrings of image URLs to drop as decoration
	ExcludedImages []string
	// host substrings whose iframes are relayed as links
	EmbedHosts []string
}

func (r ExtractRules) excludedImages() []string {
	if len(r.ExcludedImages) > 0 {
		return r.ExcludedImages
	}
	return defaultExcludedImages
}

func (r ExtractRules) embedHosts() []string {
	if len(r.EmbedHosts) > 0 {
		return r.EmbedHosts
	}
	return defaultEmbedHosts
}

func hasVideoExtension(link string) bool {
	lower := strings.ToLower(link)
	if idx := strings.IndexAny(lower, "?#"); idx >= 0 {
		lower = lower[:idx]
	}
	for _, ext := range videoExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func isExcludedImage(link string, fragments []string) bool {
	lower := strings.ToLower(link)
	for _, fragment := range fragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

func isEmbedVideoHost(link string, hosts []string) bool {
	parsed, err := url.Parse(link)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	for _, allowed := range hosts {
		if strings.Contains(host, allowed) {
			return true
		}
	}
	return false
}

// FetchPost retrieves and parses a single post's detail page. Failures
// are scoped to this post only. Detail pages are cached so a post whose
// dispatch failed last run does not cost a second fetch.
func (c *Client) FetchPost(ctx context.Context, summary PostSummary) (PostDetail, error) {
	ctx, span := tracer.Start(ctx, "client:FetchPost")
	defer span.End()
	span.SetAttributes(
		attribute.String("post_id", summary.ID),
		attribute.String("url", summary.URL),
	)

	body, cached := "", false
	if page, err := c.cache.get(ctx, summary.URL); err == nil {
		body, cached = string(page.Body), true
		span.AddEvent("cache hit")
	}

	if !cached {
		res, err := c.Http.R().
			SetContext(ctx).
			Get(summary.URL)
		if err != nil {
			span.SetStatus(codes.Error, "fetch failed")
			return PostDetail{}, &ExtractError{PostID: summary.ID, Err: err}
		}
		body = res.String()

		if isLoginWall(body) || isChallengePage(body) {
			span.SetStatus(codes.Error, "login wall")
			return PostDetail{}, &ExtractError{PostID: summary.ID, Err: ErrLoginWall}
		}
		c.cache.set(ctx, summary.URL, cachedPage{Body: []byte(body)})
	}

	detail, err := parsePostDetail(summary, body, c.extract)
	if err != nil {
		span.SetStatus(codes.Error, "parse failed")
		return PostDetail{}, &ExtractError{PostID: summary.ID, Err: err}
	}

	span.SetAttributes(
		attribute.Int("media_count", len(detail.Media)),
		attribute.Int("embed_count", len(detail.EmbedLinks)),
	)
	return detail, nil
}

func parsePostDetail(summary PostSummary, body string, rules ExtractRules) (PostDetail, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return PostDetail{}, err
	}

	postURL, err := url.Parse(summary.URL)
	if err != nil {
		return PostDetail{}, err
	}

	detail := PostDetail{PostSummary: summary}

	// the detail page usually carries a fuller title than the listing
	if og := doc.Find(`meta[property="og:title"]`).AttrOr("content", ""); og != "" {
		detail.Title = htmlutil.CleanText(og)
	} else if t := htmlutil.CleanText(doc.Find("title").First().Text()); t != "" && detail.Title == "" {
		detail.Title = t
	}

	container := doc.Selection
	for _, selector := range contentSelectors {
		if found := doc.Find(selector).First(); found.Length() > 0 {
			container = found
			break
		}
	}

	text := container.Clone()
	text.Find("script, style, noscript").Remove()
	detail.Body = htmlutil.TruncateRunes(htmlutil.CleanText(text.Text()), bodySummaryLen)

	seen := map[string]bool{}
	addMedia := func(link string, kind MediaKind) {
		if link == "" || seen[link] {
			return
		}
		seen[link] = true
		detail.Media = append(detail.Media, MediaRef{URL: link, Kind: kind})
	}

	container.Find("img").Each(func(_ int, img *goquery.Selection) {
		src := img.AttrOr("src", "")
		for _, lazy := range []string{"data-src", "data-original", "data-echo"} {
			if src != "" {
				break
			}
			src = img.AttrOr(lazy, "")
		}
		link := htmlutil.AbsoluteURL(postURL, src)
		if link == "" || isExcludedImage(link, rules.excludedImages()) {
			return
		}
		addMedia(link, MediaImage)
	})

	container.Find("video, video source, source").Each(func(_ int, vid *goquery.Selection) {
		link := htmlutil.AbsoluteURL(postURL, vid.AttrOr("src", ""))
		if link == "" || !hasVideoExtension(link) {
			return
		}
		addMedia(link, MediaVideo)
	})

	if len(detail.Media) > MaxMediaPerPost {
		detail.Media = detail.Media[:MaxMediaPerPost]
	}

	seenEmbeds := map[string]bool{}
	container.Find("iframe").Each(func(_ int, frame *goquery.Selection) {
		link := htmlutil.AbsoluteURL(postURL, frame.AttrOr("src", ""))
		if link == "" || !isEmbedVideoHost(link, rules.embedHosts()) || seenEmbeds[link] {
			return
		}
		seenEmbeds[link] = true
		detail.EmbedLinks = append(detail.EmbedLinks, link)
	})

	return detail, nil
}
