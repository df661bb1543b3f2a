package browser

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/pacing"
)

// Session implements schemas.PageSession on top of an isolated ChromeDP
// browser context. One operator owns one Session; calls are not safe for
// concurrent use and the engine serializes them through the priority lock.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	id     string
	userID string
	pacer  *pacing.Pacer

	// Network activity tracking for WaitIdle.
	inflight     atomic.Int64
	lastActivity atomic.Int64 // unix nanos of the last network event
}

// Ensure Session implements the interface.
var _ schemas.PageSession = (*Session)(nil)

// newSession wraps an already-created ChromeDP context and attaches the
// network listeners that back WaitIdle.
func newSession(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger, id, userID string, pacer *pacing.Pacer) *Session {
	s := &Session{
		ctx:    ctx,
		cancel: cancel,
		logger: logger.Named("session").With(zap.String("session_id", id), zap.String("user_id", userID)),
		id:     id,
		userID: userID,
		pacer:  pacer,
	}

	chromedp.ListenTarget(s.ctx, func(ev interface{}) {
		switch ev.(type) {
		case *network.EventRequestWillBeSent:
			s.inflight.Add(1)
			s.touch()
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			s.inflight.Add(-1)
			s.touch()
		}
	})

	return s
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the operator this session belongs to.
func (s *Session) UserID() string { return s.userID }

// createActionContext ties an operation to both the session lifetime and the
// caller's deadline.
func (s *Session) createActionContext(opCtx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(s.ctx)
	go func() {
		select {
		case <-opCtx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()
	return runCtx, cancel
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating", zap.String("url", url))
	runCtx, cancel := s.createActionContext(ctx)
	defer cancel()
	return chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (s *Session) Click(ctx context.Context, selector string) error {
	s.logger.Debug("Clicking", zap.String("selector", selector))
	runCtx, cancel := s.createActionContext(ctx)
	defer cancel()

	// Brief pause before the click lands, like a hand settling on the mouse.
	if err := s.pacer.ClickHold(runCtx); err != nil {
		return err
	}
	return chromedp.Run(runCtx, chromedp.Click(selector, chromedp.NodeVisible))
}

func (s *Session) Type(ctx context.Context, selector, text string) error {
	s.logger.Debug("Typing", zap.String("selector", selector), zap.Int("length", len(text)))
	runCtx, cancel := s.createActionContext(ctx)
	defer cancel()

	// Focus via click, then clear whatever the field held.
	if err := chromedp.Run(runCtx,
		chromedp.Click(selector, chromedp.NodeVisible),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("focusing %s: %w", selector, err)
	}

	for _, r := range text {
		if err := s.pacer.KeyHold(runCtx); err != nil {
			return err
		}
		if err := chromedp.Run(runCtx, chromedp.KeyEvent(string(r))); err != nil {
			return fmt.Errorf("typing into %s: %w", selector, err)
		}
		if err := s.pacer.InterKey(runCtx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) SetValue(ctx context.Context, selector, value string) error {
	s.logger.Debug("Setting value", zap.String("selector", selector))
	runCtx, cancel := s.createActionContext(ctx)
	defer cancel()

	// The target's change handlers only fire on events, not on property
	// writes, so dispatch them explicitly.
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (el) {
			el.dispatchEvent(new Event('input', {bubbles: true}));
			el.dispatchEvent(new Event('change', {bubbles: true}));
		}
	})()`, selector)

	return chromedp.Run(runCtx,
		chromedp.SetValue(selector, value, chromedp.ByQuery),
		chromedp.Evaluate(script, nil),
	)
}

func (s *Session) SendKeys(ctx context.Context, keys string) error {
	s.logger.Debug("Sending keys", zap.Int("length", len(keys)))
	runCtx, cancel := s.createActionContext(ctx)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.KeyEvent(keys))
}

func (s *Session) Snapshot(ctx context.Context) (string, error) {
	runCtx, cancel := s.createActionContext(ctx)
	defer cancel()

	var dom string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &dom, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("capturing DOM snapshot: %w", err)
	}
	return dom, nil
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	runCtx, cancel := s.createActionContext(ctx)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(runCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	return buf, nil
}

// WaitIdle blocks until no network request has been in flight for the quiet
// window. The target application chains XHR bursts after most interactions,
// so steps call this before trusting the DOM.
func (s *Session) WaitIdle(ctx context.Context, quiet time.Duration) error {
	if quiet <= 0 {
		quiet = 500 * time.Millisecond
	}
	runCtx, cancel := s.createActionContext(ctx)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case <-ticker.C:
			last := time.Unix(0, s.lastActivity.Load())
			if s.inflight.Load() <= 0 && time.Since(last) >= quiet {
				return nil
			}
		}
	}
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	runCtx, cancel := s.createActionContext(ctx)
	defer cancel()

	var url string
	if err := chromedp.Run(runCtx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("reading location: %w", err)
	}
	return url, nil
}

func (s *Session) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	runCtx, cancel := s.createActionContext(ctx)
	defer cancel()

	var raw []*network.Cookie
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("reading cookies: %w", err)
	}

	out := make([]schemas.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, fromNetworkCookie(c))
	}
	return out, nil
}

func (s *Session) SetCookies(ctx context.Context, cookies []schemas.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	runCtx, cancel := s.createActionContext(ctx)
	defer cancel()

	params := make([]*network.CookieParam, 0, len(cookies))
	for i := range cookies {
		params = append(params, toCookieParam(cookies[i]))
	}
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("setting %d cookies: %w", len(cookies), err)
	}
	return nil
}

// Alive probes the browser target with a trivial script and a short
// deadline. A dead tab or crashed renderer fails the probe.
func (s *Session) Alive(ctx context.Context) bool {
	runCtx, cancel := s.createActionContext(ctx)
	defer cancel()
	probeCtx, probeCancel := context.WithTimeout(runCtx, 2*time.Second)
	defer probeCancel()

	var one int
	if err := chromedp.Run(probeCtx, chromedp.Evaluate("1", &one)); err != nil {
		s.logger.Debug("Liveness probe failed", zap.Error(err))
		return false
	}
	return one == 1
}

func (s *Session) Close(ctx context.Context) error {
	s.logger.Debug("Closing session")
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// -- Cookie conversion --

func fromNetworkCookie(c *network.Cookie) schemas.Cookie {
	out := schemas.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: string(c.SameSite),
	}
	// Expires is seconds since epoch; non-positive means a session cookie.
	if c.Expires > 0 {
		sec := int64(c.Expires)
		nsec := int64((c.Expires - float64(sec)) * float64(time.Second))
		out.Expires = time.Unix(sec, nsec).UTC()
	}
	return out
}

func toCookieParam(c schemas.Cookie) *network.CookieParam {
	param := &network.CookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	switch strings.ToLower(c.SameSite) {
	case "lax":
		param.SameSite = network.CookieSameSiteLax
	case "strict":
		param.SameSite = network.CookieSameSiteStrict
	case "none":
		param.SameSite = network.CookieSameSiteNone
	}
	if !c.Expires.IsZero() {
		exp := cdp.TimeSinceEpoch(c.Expires)
		param.Expires = &exp
	}
	return param
}
