package avdbs

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MediaBlob is a downloaded media file ready for multipart upload.
type MediaBlob struct {
	Ref      MediaRef
	Filename string
	Data     []byte
}

func mediaFilename(ref MediaRef, index int) string {
	ext := strings.ToLower(path.Ext(ref.URL))
	if idx := strings.IndexAny(ext, "?#"); idx >= 0 {
		ext = ext[:idx]
	}
	if ext == "" {
		if ref.Kind == MediaVideo {
			ext = ".mp4"
		} else {
			ext = ".jpg"
		}
	}
	return fmt.Sprintf("media_%d%s", index, ext)
}

// DownloadMedia fetches a media file through the authenticated session,
// since the CDN checks the referer and session cookies. The response
// must actually be an image or video; an HTML error page posing as one
// is rejected.
func (c *Client) DownloadMedia(ctx context.Context, ref MediaRef, index int) (MediaBlob, error) {
	ctx, span := tracer.Start(ctx, "client:DownloadMedia")
	defer span.End()
	span.SetAttributes(attribute.String("url", ref.URL))

	res, err := c.Http.R().
		SetContext(ctx).
		Get(ref.URL)
	if err != nil {
		span.SetStatus(codes.Error, "download failed")
		return MediaBlob{}, err
	}
	if res.StatusCode() != 200 {
		span.SetStatus(codes.Error, res.Status())
		return MediaBlob{}, fmt.Errorf("download %s: status %d", ref.URL, res.StatusCode())
	}

	contentType := res.Header().Get("content-type")
	if !strings.HasPrefix(contentType, "image/") && !strings.HasPrefix(contentType, "video/") {
		span.SetStatus(codes.Error, "not a media response")
		return MediaBlob{}, fmt.Errorf("download %s: unexpected content-type %q", ref.URL, contentType)
	}

	span.SetAttributes(attribute.Int("content_length", len(res.Body())))
	return MediaBlob{
		Ref:      ref,
		Filename: mediaFilename(ref, index),
		Data:     res.Body(),
	}, nil
}
