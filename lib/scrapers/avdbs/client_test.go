package avdbs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"boardwatch/lib/telemetry"

	"github.com/stretchr/testify/require"
)

// fakeSite is an httptest stand-in for the board site: a login form
// with a hidden anti-forgery token, a session cookie on a correct
// credential post, and a login wall everywhere else.
type fakeSite struct {
	mux       *http.ServeMux
	server    *httptest.Server
	challenge bool // serve the verification interstitial until cleared

	loginPosts int
}

const (
	wallBody      = `<html><body>로그인 후 이용 가능한 회원 전용 게시판입니다.</body></html>`
	challengeBody = `<html><head><title>Just a moment...</title><script src="/cdn-cgi/challenge-platform/x.js"></script></head></html>`
)

func newFakeSite(t *testing.T) *fakeSite {
	site := &fakeSite{mux: http.NewServeMux()}

	site.mux.HandleFunc("GET /menu/member/login.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><form method="post">
			<input type="hidden" name="csrf_token" value="tok123">
			<input id="member_uid" name="member_uid">
			<input id="member_pwd" name="member_pwd" type="password">
		</form></body></html>`)
	})
	site.mux.HandleFunc("POST /menu/member/login.php", func(w http.ResponseWriter, r *http.Request) {
		site.loginPosts++
		if r.FormValue("csrf_token") != "tok123" {
			http.Error(w, "bad token", http.StatusForbidden)
			return
		}
		if r.FormValue("member_uid") == "user" && r.FormValue("member_pwd") == "hunter2" {
			http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: "session-ok", Path: "/"})
		}
		fmt.Fprint(w, "<html></html>")
	})
	site.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if site.challenge {
			if cleared, err := r.Cookie("cf_clearance"); err != nil || cleared.Value == "" {
				fmt.Fprint(w, challengeBody)
				return
			}
		}
		if session, err := r.Cookie("PHPSESSID"); err != nil || session.Value != "session-ok" {
			fmt.Fprint(w, wallBody)
			return
		}
		fmt.Fprint(w, `<html><body>환영합니다 <a href="/logout">나가기</a></body></html>`)
	})

	site.server = httptest.NewServer(site.mux)
	t.Cleanup(site.server.Close)
	return site
}

func newTestClient(t *testing.T, site *fakeSite, solver ChallengeSolver) *Client {
	client, err := NewClient(ClientOptions{
		BaseUrl:     site.server.URL,
		Credentials: Credentials{ID: "user", Password: "hunter2"},
		Solver:      solver,
	})
	require.NoError(t, err)
	return client
}

func TestLogin(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:scrapers/avdbs")
	defer cleanup()

	site := newFakeSite(t)
	client := newTestClient(t, site, nil)

	err := client.Login(context.Background())
	require.NoError(t, err)
	require.False(t, client.LoggedInAt().IsZero())
	require.True(t, client.Valid(context.Background()))
}

func TestLoginBadCredentials(t *testing.T) {
	site := newFakeSite(t)

	client, err := NewClient(ClientOptions{
		BaseUrl:     site.server.URL,
		Credentials: Credentials{ID: "user", Password: "wrong"},
	})
	require.NoError(t, err)

	err = client.Login(context.Background())

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

type fakeSolver struct {
	site   *fakeSite
	calls  int
	broken bool
}

func (s *fakeSolver) Solve(ctx context.Context, loginURL string, creds Credentials) ([]*http.Cookie, error) {
	s.calls++
	if s.broken {
		return nil, errors.New("browser crashed")
	}
	// a real pass both clears the challenge and logs in
	return []*http.Cookie{
		{Name: "cf_clearance", Value: "cleared", Path: "/"},
		{Name: "PHPSESSID", Value: "session-ok", Path: "/"},
	}, nil
}

func TestLoginSolvesChallenge(t *testing.T) {
	site := newFakeSite(t)
	site.challenge = true
	solver := &fakeSolver{site: site}
	client := newTestClient(t, site, solver)

	err := client.Login(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, solver.calls)
	require.True(t, client.Valid(context.Background()))
}

func TestLoginChallengeBudgetExhausted(t *testing.T) {
	site := newFakeSite(t)
	site.challenge = true
	solver := &fakeSolver{site: site, broken: true}
	client := newTestClient(t, site, solver)

	err := client.Login(context.Background())

	var challengeErr *ChallengeError
	require.ErrorAs(t, err, &challengeErr)
	require.Equal(t, challengeBudget, challengeErr.Attempts)
	require.Equal(t, challengeBudget, solver.calls)
}

func TestLoginChallengeWithoutSolver(t *testing.T) {
	site := newFakeSite(t)
	site.challenge = true
	client := newTestClient(t, site, nil)

	err := client.Login(context.Background())

	var challengeErr *ChallengeError
	require.ErrorAs(t, err, &challengeErr)
}

func TestValidDetectsExpiry(t *testing.T) {
	site := newFakeSite(t)
	client := newTestClient(t, site, nil)

	require.NoError(t, client.Login(context.Background()))

	// simulate the server dropping the session
	jarReset, err := NewClient(ClientOptions{BaseUrl: site.server.URL})
	require.NoError(t, err)
	client.Http.SetCookieJar(jarReset.Http.GetClient().Jar)

	require.False(t, client.Valid(context.Background()))
}

func TestRefreshReacquires(t *testing.T) {
	site := newFakeSite(t)
	client := newTestClient(t, site, nil)

	require.NoError(t, client.Login(context.Background()))
	posts := site.loginPosts

	require.NoError(t, client.Refresh(context.Background()))
	require.Equal(t, posts+1, site.loginPosts)
	require.True(t, client.Valid(context.Background()))
}
