package avdbs

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

const listingPage1 = `<html><body><ul>
	<li><a class="lnk vstt" href="/board/300"><h2><img class="notice" src="/img/notice.png">공지사항</h2></a></li>
	<li><a class="lnk vstt" href="/board/103"><h2>셋째 글</h2></a><span class="date">2024-03-03</span></li>
	<li><a class="lnk vstt" href="/board/102"><h2>둘째 글</h2></a><span class="date">2024-03-02</span></li>
	<li><a class="lnk vstt" href="/board/102"><h2>둘째 글 (중복 링크)</h2></a></li>
	<li><a class="lnk vstt" href="/board/t50?page=2">다음 페이지</a></li>
</ul></body></html>`

const listingPage2 = `<html><body><ul>
	<li><a class="lnk vstt" href="/board/101"><h2>첫째 글</h2></a></li>
</ul></body></html>`

func newListingSite(t *testing.T) *fakeSite {
	site := newFakeSite(t)
	site.mux.HandleFunc("GET /board/t50", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, listingPage2)
			return
		}
		fmt.Fprint(w, listingPage1)
	})
	site.mux.HandleFunc("GET /board/broken", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, wallBody)
	})
	return site
}

func TestListRecent(t *testing.T) {
	site := newListingSite(t)
	client := newTestClient(t, site, nil)

	posts, err := client.ListRecent(context.Background(), "t50", 2)
	require.NoError(t, err)

	ids := make([]string, 0, len(posts))
	for _, p := range posts {
		ids = append(ids, p.ID)
	}
	// newest first, notice skipped, in-page duplicate collapsed
	require.Equal(t, []string{"103", "102", "101"}, ids)

	require.Equal(t, "셋째 글", posts[0].Title)
	require.Equal(t, "t50", posts[0].Board)
	require.Equal(t, site.server.URL+"/board/103", posts[0].URL)
	require.Equal(t, 2024, posts[0].PublishedAt.Year())
	// the page-2 row has no date sibling; defaulted, not an error
	require.True(t, posts[2].PublishedAt.IsZero())
}

func TestListRecentSinglePage(t *testing.T) {
	site := newListingSite(t)
	client := newTestClient(t, site, nil)

	posts, err := client.ListRecent(context.Background(), "t50", 1)
	require.NoError(t, err)
	require.Len(t, posts, 2)
}

func TestListRecentLoginWall(t *testing.T) {
	site := newListingSite(t)
	client := newTestClient(t, site, nil)

	_, err := client.ListRecent(context.Background(), "broken", 1)

	var scanErr *ScanError
	require.ErrorAs(t, err, &scanErr)
	require.ErrorIs(t, err, ErrLoginWall)
}

func TestParseListingTime(t *testing.T) {
	require.Equal(t, 2024, parseListingTime("2024-03-02").Year())
	require.False(t, parseListingTime("2024-03-02 13:45").IsZero())
	require.True(t, parseListingTime("").IsZero())
	require.True(t, parseListingTime("어제").IsZero())
}
