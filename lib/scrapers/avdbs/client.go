package avdbs

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"boardwatch/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/dgraph-io/badger/v4"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("scrapers/avdbs")

const (
	loginPath       = "/menu/member/login.php"
	userAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"
	challengeBudget = 3
	defaultTimeout  = time.Second * 30
)

type Credentials struct {
	ID       string
	Password string
}

// ChallengeSolver executes the site's script-gated verification in a
// real browser and hands back the cookies of the authenticated browser
// session. The HTTP client never tries to reproduce the check itself.
type ChallengeSolver interface {
	Solve(ctx context.Context, loginURL string, creds Credentials) ([]*http.Cookie, error)
}

type Client struct {
	BaseUrl *url.URL
	Http    *resty.Client

	creds   Credentials
	solver  ChallengeSolver
	cache   pageCache
	extract ExtractRules

	loggedInAt time.Time
}

type ClientOptions struct {
	BaseUrl     string
	Credentials Credentials
	Solver      ChallengeSolver
	// optional cache for fetched detail pages, may be nil
	Cache   *badger.DB
	Extract ExtractRules
	Timeout time.Duration
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	client.SetHeader("user-agent", userAgent)
	client.SetHeader("referer", opts.BaseUrl+"/")
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(baseUrl.Hostname()))
	client.SetTimeout(timeout)

	// 2 requests max per second, max burst >= 2 just means that no
	// requests will be dropped
	limiter := rate.NewLimiter(2, 2)
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return limiter.Wait(req.Context())
	})

	telemetry.InstrumentResty(client, "scrapers/avdbs/http")

	c := &Client{
		BaseUrl: baseUrl,
		Http:    client,
		creds:   opts.Credentials,
		solver:  opts.Solver,
		cache:   pageCache{db: opts.Cache, baseUrl: baseUrl},
		extract: opts.Extract,
	}
	c.setAdultCheckCookie()
	return c, nil
}

// the site hides board content behind an age gate even for logged-in
// sessions unless this cookie is present
func (c *Client) setAdultCheckCookie() {
	c.Http.SetCookie(&http.Cookie{Name: "adult_chk", Value: "1"})
}

func isLoginWall(body string) bool {
	head := body
	if len(head) > 4000 {
		head = head[:4000]
	}
	lower := strings.ToLower(head)
	switch {
	case strings.Contains(head, "로그인") && strings.Contains(head, "회원"):
		return true
	case strings.Contains(head, "성인") && strings.Contains(head, "인증"):
		return true
	case strings.Contains(lower, "login") && strings.Contains(lower, "member"):
		return true
	}
	return false
}

// isChallengePage spots the anti-automation interstitial. The markers
// are an external contract that has changed before; keep them here and
// nowhere else.
func isChallengePage(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range []string{"cf-chl", "challenge-platform", "turnstile", "just a moment"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Login establishes an authenticated session: an unauthenticated fetch
// of the login page for anti-forgery tokens and cookies, a credentialed
// form post, then a probe. If the probe lands on the verification
// interstitial the browser solver takes over for up to three attempts.
func (c *Client) Login(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "client:Login")
	defer span.End()

	res, err := c.Http.R().
		SetContext(ctx).
		Get(loginPath)
	if err != nil {
		span.SetStatus(codes.Error, "failed to fetch login page")
		return &AuthError{Err: err}
	}

	form := map[string]string{
		"member_uid": c.creds.ID,
		"member_pwd": c.creds.Password,
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.String()))
	if err == nil {
		// carry any hidden anti-forgery fields the form ships with
		doc.Find("form input[type=hidden]").Each(func(_ int, sel *goquery.Selection) {
			name := sel.AttrOr("name", "")
			if name == "" || name == "member_uid" || name == "member_pwd" {
				return
			}
			form[name] = sel.AttrOr("value", "")
		})
	}

	_, err = c.Http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(loginPath)
	if err != nil {
		span.SetStatus(codes.Error, "failed to post credentials")
		return &AuthError{Err: err}
	}

	body, err := c.probe(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "failed to probe after login")
		return &AuthError{Err: err}
	}

	if isChallengePage(body) {
		body, err = c.solveChallenge(ctx)
		if err != nil {
			span.SetStatus(codes.Error, "challenge unsolved")
			return err
		}
	}
	if isLoginWall(body) {
		span.SetStatus(codes.Error, "credentials rejected")
		return &AuthError{Err: fmt.Errorf("still behind login wall after submitting credentials")}
	}

	c.loggedInAt = time.Now()
	span.SetStatus(codes.Ok, "logged in")
	return nil
}

func (c *Client) solveChallenge(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "client:solveChallenge")
	defer span.End()

	if c.solver == nil {
		return "", &ChallengeError{Attempts: 0, Err: fmt.Errorf("no challenge solver configured")}
	}

	loginURL := c.BaseUrl.JoinPath(loginPath).String()

	var lastErr error
	for attempt := 1; attempt <= challengeBudget; attempt++ {
		cookies, err := c.solver.Solve(ctx, loginURL, c.creds)
		if err != nil {
			lastErr = err
			continue
		}
		c.Http.GetClient().Jar.SetCookies(c.BaseUrl, cookies)

		body, err := c.probe(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if !isChallengePage(body) {
			return body, nil
		}
		lastErr = fmt.Errorf("challenge page still served after browser pass %d", attempt)
	}

	return "", &ChallengeError{Attempts: challengeBudget, Err: lastErr}
}

// probe issues a lightweight authenticated request and returns the body
// so callers can classify it.
func (c *Client) probe(ctx context.Context) (string, error) {
	res, err := c.Http.R().
		SetContext(ctx).
		Get("/")
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

// Valid reports whether the session still works for privileged
// requests, judged by what the server actually serves rather than by
// elapsed time. A transport error leaves validity unknown and reports
// true; expiry will surface on the next real fetch anyway.
func (c *Client) Valid(ctx context.Context) bool {
	ctx, span := tracer.Start(ctx, "client:Valid")
	defer span.End()

	body, err := c.probe(ctx)
	if err != nil {
		return true
	}
	if isLoginWall(body) || isChallengePage(body) {
		span.SetStatus(codes.Error, "session expired")
		return false
	}
	return true
}

// Refresh discards all session state and logs in from scratch. There is
// no partial-refresh path.
func (c *Client) Refresh(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "client:Refresh")
	defer span.End()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	c.Http.SetCookieJar(jar)
	return c.Login(ctx)
}

// LoggedInAt returns when the current session was established, or the
// zero time if Login has not succeeded yet.
func (c *Client) LoggedInAt() time.Time {
	return c.loggedInAt
}
