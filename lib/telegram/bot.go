// Package telegram is a minimal Bot API client covering exactly what
// the notification pipeline needs: HTML text messages and media groups
// uploaded as multipart attachments.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"boardwatch/lib/htmlutil"
	"boardwatch/lib/telemetry"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("telegram")

const (
	DefaultBaseUrl = "https://api.telegram.org"

	// hard Bot API limits
	MaxMediaGroupSize = 10
	maxCaptionRunes   = 900

	defaultTimeout = time.Second * 60
)

type Bot struct {
	http   *resty.Client
	chatID string

	limiter *rate.Limiter
}

type BotOptions struct {
	Token  string
	ChatID string
	// BaseUrl overrides the Bot API host, for tests
	BaseUrl string
	Timeout time.Duration
}

func NewBot(opts BotOptions) (*Bot, error) {
	if opts.Token == "" || opts.ChatID == "" {
		return nil, fmt.Errorf("telegram: token and chat id are required")
	}

	baseUrl := opts.BaseUrl
	if baseUrl == "" {
		baseUrl = DefaultBaseUrl
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	client := resty.New()
	client.SetBaseURL(fmt.Sprintf("%s/bot%s", baseUrl, opts.Token))
	client.SetTimeout(timeout)
	telemetry.InstrumentResty(client, "telegram/http")

	return &Bot{
		http:   client,
		chatID: opts.ChatID,
		// the API tolerates roughly one message per second per chat
		limiter: rate.NewLimiter(1, 1),
	}, nil
}

type apiResponse struct {
	Ok          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// call posts one Bot API method, retrying once on a transport error and
// once on a rate limit, waiting out the interval the API asks for.
func (b *Bot) call(ctx context.Context, method string, build func(req *resty.Request)) error {
	ctx, span := tracer.Start(ctx, "bot:"+method)
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}

		req := b.http.R().
			SetContext(ctx).
			SetFormData(map[string]string{"chat_id": b.chatID})
		build(req)

		res, err := req.Post("/" + method)
		if err != nil {
			// one immediate retry on a network-level failure
			lastErr = err
			span.RecordError(err)
			continue
		}

		var parsed apiResponse
		if err := json.Unmarshal(res.Body(), &parsed); err != nil {
			lastErr = fmt.Errorf("telegram: %s: non-json response (status %d)", method, res.StatusCode())
			span.RecordError(lastErr)
			continue
		}
		if parsed.Ok {
			span.SetStatus(codes.Ok, "delivered")
			return nil
		}

		lastErr = fmt.Errorf("telegram: %s: %s (code %d)", method, parsed.Description, parsed.ErrorCode)
		span.RecordError(lastErr)

		if res.StatusCode() == 429 && parsed.Parameters.RetryAfter > 0 {
			span.SetAttributes(attribute.Int("retry_after", parsed.Parameters.RetryAfter))
			select {
			case <-time.After(time.Duration(parsed.Parameters.RetryAfter) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		// a non-429 API rejection will not get better on its own
		break
	}

	span.SetStatus(codes.Error, lastErr.Error())
	return lastErr
}

// SendText delivers an HTML-formatted text message.
func (b *Bot) SendText(ctx context.Context, text string) error {
	return b.call(ctx, "sendMessage", func(req *resty.Request) {
		req.SetFormData(map[string]string{
			"text":       text,
			"parse_mode": "HTML",
		})
	})
}

// Upload is one media file destined for a media group.
type Upload struct {
	Kind     string // "photo" or "video"
	Filename string
	Data     []byte
}

type mediaGroupItem struct {
	Type      string `json:"type"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// SendMediaGroup uploads up to MaxMediaGroupSize files as one album,
// with the caption on the first item. All items must share a kind; the
// API caps mixed groupings.
func (b *Bot) SendMediaGroup(ctx context.Context, uploads []Upload, caption string) error {
	if len(uploads) == 0 {
		return fmt.Errorf("telegram: empty media group")
	}
	if len(uploads) > MaxMediaGroupSize {
		return fmt.Errorf("telegram: media group of %d exceeds limit %d", len(uploads), MaxMediaGroupSize)
	}

	items := make([]mediaGroupItem, len(uploads))
	for i, upload := range uploads {
		items[i] = mediaGroupItem{
			Type: upload.Kind,
			// attach:// points the API at the multipart part below
			Media: fmt.Sprintf("attach://media%d", i),
		}
		if i == 0 && caption != "" {
			items[i].Caption = caption
			items[i].ParseMode = "HTML"
		}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return err
	}

	return b.call(ctx, "sendMediaGroup", func(req *resty.Request) {
		req.SetFormData(map[string]string{"media": string(encoded)})
		for i, upload := range uploads {
			req.SetFileReader(
				fmt.Sprintf("media%d", i),
				upload.Filename,
				bytes.NewReader(upload.Data),
			)
		}
	})
}

// Caption builds the per-post message text: bolded title, optional
// body excerpt, source link. Batch numbering is added when a post's
// media spans several groups.
//
// Length is budgeted over the raw text before escaping: the Bot API
// measures captions after entity parsing, and cutting composed HTML
// could split an entity or drop a closing tag, which rejects the whole
// message.
func Caption(title, link, body string, batch, totalBatches int) string {
	suffix := ""
	if totalBatches > 1 {
		suffix = fmt.Sprintf("  (%d/%d)", batch, totalBatches)
	}

	// "📌 " prefix, the suffix, the link and up to two newlines are
	// always kept; title and body share what remains
	budget := maxCaptionRunes -
		utf8.RuneCountInString("📌 ") -
		utf8.RuneCountInString(suffix) -
		utf8.RuneCountInString(link) - 2

	title = htmlutil.TruncateRunes(title, budget)
	budget -= utf8.RuneCountInString(title)

	var sb strings.Builder
	sb.WriteString("📌 <b>")
	sb.WriteString(html.EscapeString(title))
	sb.WriteString("</b>")
	sb.WriteString(suffix)
	if body != "" && budget > 1 {
		sb.WriteString("\n")
		sb.WriteString(html.EscapeString(htmlutil.TruncateRunes(body, budget)))
	}
	sb.WriteString("\n")
	sb.WriteString(link)
	return sb.String()
}

// ContinuationCaption labels the follow-up groups of a multi-group
// post.
func ContinuationCaption(batch, totalBatches int) string {
	return fmt.Sprintf("(%d/%d) 계속", batch, totalBatches)
}
