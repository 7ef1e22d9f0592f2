package avdbs

import (
	"bytes"
	"context"
	"encoding/gob"
	"net/url"
	"time"

	"github.com/PuerkitoBio/purell"
	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var errPageNotCached = badger.ErrKeyNotFound

const pageCacheLifetime = int64(time.Hour / time.Second * 24)

type cachedPage struct {
	Body []byte

	ExpiresAt int64
}

// pageCache keeps fetched detail pages in badger so that a post retried
// on the next run (after a failed dispatch) is parsed from disk instead
// of re-fetched. All methods are no-ops when no db was configured.
type pageCache struct {
	db      *badger.DB
	baseUrl *url.URL
}

func (c pageCache) key(link string) (string, error) {
	full, err := c.baseUrl.Parse(link)
	if err != nil {
		return "", err
	}
	normalized := purell.NormalizeURL(
		full,
		purell.FlagsSafe|
			purell.FlagsUsuallySafeNonGreedy|
			purell.FlagRemoveDirectoryIndex|
			purell.FlagRemoveFragment|
			purell.FlagSortQuery,
	)
	return "page:" + normalized, nil
}

func (c pageCache) get(ctx context.Context, link string) (cachedPage, error) {
	if c.db == nil {
		return cachedPage{}, errPageNotCached
	}

	ctx, span := tracer.Start(ctx, "pageCache:get")
	defer span.End()

	key, err := c.key(link)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create cache key")
		return cachedPage{}, err
	}
	span.SetAttributes(attribute.String("cache_key", key))

	tx := c.db.NewTransaction(false)
	defer tx.Discard()
	item, err := tx.Get([]byte(key))
	if err == badger.ErrKeyNotFound {
		return cachedPage{}, errPageNotCached
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read item from badger")
		return cachedPage{}, err
	}
	serialized, err := item.ValueCopy(nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to copy cached item")
		return cachedPage{}, err
	}

	var cached cachedPage
	err = gob.NewDecoder(bytes.NewBuffer(serialized)).Decode(&cached)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to deserialize cached item")
		return cachedPage{}, err
	}

	if time.Now().Unix() >= cached.ExpiresAt {
		tx := c.db.NewTransaction(true)
		defer tx.Commit()
		err = tx.Delete([]byte(key))
		if err != nil {
			span.RecordError(err)
		}
		span.SetStatus(codes.Ok, "cache expired")
		return cachedPage{}, errPageNotCached
	}

	span.SetAttributes(attribute.Int("content_length", len(cached.Body)))
	return cached, nil
}

// set failures are logged to the span and swallowed; the cache is an
// optimization, never a correctness dependency
func (c pageCache) set(ctx context.Context, link string, page cachedPage) {
	if c.db == nil {
		return
	}

	ctx, span := tracer.Start(ctx, "pageCache:set")
	defer span.End()

	key, err := c.key(link)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create cache key")
		return
	}
	span.SetAttributes(attribute.String("cache_key", key))

	if page.ExpiresAt == 0 {
		page.ExpiresAt = time.Now().Unix() + pageCacheLifetime
	}

	serialized := bytes.NewBuffer(nil)
	err = gob.NewEncoder(serialized).Encode(page)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to serialize page")
		return
	}

	tx := c.db.NewTransaction(true)
	defer tx.Commit()
	err = tx.Set([]byte(key), serialized.Bytes())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to set badger item")
	}
}
