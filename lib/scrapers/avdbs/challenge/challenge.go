// Package challenge satisfies the site's script-gated verification by
// driving a real browser through the login flow and exporting its
// cookies. The check's client-side logic is opaque and changes without
// notice, so it is executed, never reimplemented.
package challenge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"boardwatch/lib/scrapers/avdbs"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/avdbs/challenge")

const (
	userFieldSel  = "#member_uid"
	passFieldSel  = "#member_pwd"
	loginBtnSel   = ".btn_login"
	defaultSolve  = time.Second * 90
	settleTimeout = time.Second * 10
)

type BrowserSolver struct {
	// Headless should stay true on schedulers; false helps local debugging
	Headless bool
	// Timeout bounds one full browser login pass
	Timeout time.Duration
	// BrowserURL connects to an already running browser (devtools
	// websocket URL) instead of launching one
	BrowserURL string
}

var _ avdbs.ChallengeSolver = (*BrowserSolver)(nil)

func (s *BrowserSolver) connect(ctx context.Context) (*rod.Browser, func(), error) {
	controlURL := s.BrowserURL
	cleanup := func() {}

	if controlURL == "" {
		l := launcher.New().Headless(s.Headless)
		launched, err := l.Launch()
		if err != nil {
			return nil, nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = launched
		cleanup = l.Cleanup
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("connect to browser: %w", err)
	}

	return browser, func() {
		_ = browser.Close()
		cleanup()
	}, nil
}

// Solve performs the full login inside the browser: the verification
// script runs exactly as it would for a person, and the resulting
// session cookies are handed back for the HTTP client to adopt.
func (s *BrowserSolver) Solve(ctx context.Context, loginURL string, creds avdbs.Credentials) ([]*http.Cookie, error) {
	ctx, span := tracer.Start(ctx, "solver:Solve")
	defer span.End()

	timeout := s.Timeout
	if timeout == 0 {
		timeout = defaultSolve
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	browser, cleanup, err := s.connect(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer cleanup()

	page, err := browser.Page(proto.TargetCreateTarget{URL: loginURL})
	if err != nil {
		span.SetStatus(codes.Error, "failed to open login page")
		return nil, fmt.Errorf("open login page: %w", err)
	}

	// the verification interstitial resolves itself in a real browser;
	// waiting for a stable DOM covers both it and a plain login form
	if err := page.WaitDOMStable(time.Second, 0); err != nil {
		span.SetStatus(codes.Error, "login page never settled")
		return nil, fmt.Errorf("wait for login page: %w", err)
	}

	if err := s.fillAndSubmit(page, creds); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	cookies, err := browser.GetCookies()
	if err != nil {
		span.SetStatus(codes.Error, "failed to export cookies")
		return nil, fmt.Errorf("export cookies: %w", err)
	}

	out := make([]*http.Cookie, 0, len(cookies))
	for _, cookie := range cookies {
		out = append(out, &http.Cookie{
			Name:   cookie.Name,
			Value:  cookie.Value,
			Domain: cookie.Domain,
			Path:   cookie.Path,
		})
	}
	span.SetStatus(codes.Ok, fmt.Sprintf("exported %d cookies", len(out)))
	return out, nil
}

func (s *BrowserSolver) fillAndSubmit(page *rod.Page, creds avdbs.Credentials) error {
	userField, err := page.Timeout(settleTimeout).Element(userFieldSel)
	if err != nil {
		return fmt.Errorf("login form not found: %w", err)
	}
	if err := userField.Input(creds.ID); err != nil {
		return fmt.Errorf("fill user id: %w", err)
	}

	passField, err := page.Timeout(settleTimeout).Element(passFieldSel)
	if err != nil {
		return fmt.Errorf("password field not found: %w", err)
	}
	if err := passField.Input(creds.Password); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}

	wait := page.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	button, err := page.Timeout(settleTimeout).Element(loginBtnSel)
	if err != nil {
		return fmt.Errorf("login button not found: %w", err)
	}
	if err := button.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click login: %w", err)
	}
	wait()

	return nil
}
