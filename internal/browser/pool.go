package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/config"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/pacing"
)

// ErrPoolClosed is returned by Acquire after Shutdown has begun.
var ErrPoolClosed = errors.New("browser pool is shut down")

// pageFactory creates a fresh, blank page session for an operator. Swapped
// out in tests.
type pageFactory func(ctx context.Context, userID string) (schemas.PageSession, error)

type pooledSession struct {
	page     schemas.PageSession
	lastUsed time.Time
}

// Pool owns the shared browser process and hands out one isolated session per
// operator. Sessions are reused across jobs; authentication state rides on
// persisted cookies so a healthy session survives engine restarts.
//
// Concurrent Acquire calls for the same user collapse into a single
// establish, so at most one live session per user id ever exists.
type Pool struct {
	logger *zap.Logger
	cfg    *config.Config
	store  schemas.SessionStore
	creds  schemas.CredentialSource
	auth   schemas.Authenticator
	pacer  *pacing.Pacer

	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*pooledSession
	closed   bool

	flight  singleflight.Group
	newPage pageFactory
	done    chan struct{}
	sweepWg sync.WaitGroup
}

// NewPool prepares the shared browser allocator and starts the idle sweeper.
// The browser process itself launches lazily with the first session.
func NewPool(ctx context.Context, logger *zap.Logger, cfg *config.Config, store schemas.SessionStore, creds schemas.CredentialSource, auth schemas.Authenticator) *Pool {
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(ctx, allocatorOptions(cfg)...)

	p := &Pool{
		logger:          logger.Named("browser"),
		cfg:             cfg,
		store:           store,
		creds:           creds,
		auth:            auth,
		pacer:           pacing.New(cfg.Browser.Pacing),
		allocatorCtx:    allocatorCtx,
		allocatorCancel: allocatorCancel,
		sessions:        make(map[string]*pooledSession),
		done:            make(chan struct{}),
	}
	p.newPage = p.launchPage

	p.sweepWg.Add(1)
	go p.sweepIdle()

	return p
}

// allocatorOptions builds the Chrome launch flags. The automation banner and
// the AutomationControlled blink feature are disabled because the target
// application fingerprints them.
func allocatorOptions(cfg *config.Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Browser.Headless),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("mute-audio", true),
		chromedp.WindowSize(cfg.Browser.Viewport.Width, cfg.Browser.Viewport.Height),
	)
	if cfg.Browser.Headless {
		opts = append(opts, chromedp.Flag("disable-gpu", true))
	}
	if cfg.Browser.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if cfg.Browser.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.Browser.ExecPath))
	}
	for _, arg := range cfg.Browser.Args {
		arg = strings.TrimPrefix(arg, "--")
		if key, value, found := strings.Cut(arg, "="); found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(arg, true))
		}
	}
	return opts
}

// launchPage creates a new tab in the shared browser and wraps it in a
// Session. Navigating to about:blank forces the target to materialize so
// later failures surface here, not mid-protocol.
func (p *Pool) launchPage(ctx context.Context, userID string) (schemas.PageSession, error) {
	taskCtx, taskCancel := chromedp.NewContext(p.allocatorCtx)

	if err := chromedp.Run(taskCtx, chromedp.Navigate("about:blank")); err != nil {
		taskCancel()
		return nil, fmt.Errorf("initializing browser target: %w", err)
	}

	id := uuid.New().String()
	p.logger.Info("Launched browser session",
		zap.String("session_id", id),
		zap.String("user_id", userID))

	return newSession(taskCtx, taskCancel, p.logger, id, userID, p.pacer), nil
}

// Acquire returns the operator's session, creating and authenticating one if
// none is alive. A session that fails the liveness probe is evicted and
// replaced transparently. Racing acquires for one user share a single flight,
// never building a second session behind each other's back.
func (p *Pool) Acquire(ctx context.Context, userID string) (schemas.PageSession, error) {
	v, err, _ := p.flight.Do(userID, func() (interface{}, error) {
		return p.lease(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(schemas.PageSession), nil
}

func (p *Pool) lease(ctx context.Context, userID string) (schemas.PageSession, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	entry, ok := p.sessions[userID]
	p.mu.Unlock()

	if ok {
		if entry.page.Alive(ctx) {
			p.touch(userID)
			return entry.page, nil
		}
		p.logger.Warn("Session failed liveness probe, replacing",
			zap.String("user_id", userID),
			zap.String("session_id", entry.page.ID()))
		// Keep the cookie record: the browser died, the login may not have.
		p.dropSession(ctx, userID, entry)
	}

	page, err := p.newPage(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("launching session for %s: %w", userID, err)
	}
	if err := p.establish(ctx, userID, page); err != nil {
		_ = page.Close(ctx)
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = page.Close(ctx)
		return nil, ErrPoolClosed
	}
	p.sessions[userID] = &pooledSession{page: page, lastUsed: time.Now()}
	p.mu.Unlock()

	return page, nil
}

// establish brings a fresh page to an authenticated state: restore saved
// cookies and probe first, fall back to a full credential login. Expired
// records never reach this point; the store discards them on Load.
func (p *Pool) establish(ctx context.Context, userID string, page schemas.PageSession) error {
	rec, err := p.store.Load(ctx, userID)
	if err != nil {
		p.logger.Warn("Session record unreadable, performing full login",
			zap.String("user_id", userID), zap.Error(err))
		rec = nil
	}

	if rec != nil {
		if err := p.tryRestore(ctx, userID, page, rec); err == nil {
			return p.persistCookies(ctx, userID, page)
		} else if ctx.Err() != nil {
			return err
		}
	}

	creds, err := p.creds.Credentials(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolving credentials for %s: %w", userID, err)
	}
	if err := p.auth.Login(ctx, page, creds); err != nil {
		return err
	}
	p.logger.Info("Authenticated via full login", zap.String("user_id", userID))
	return p.persistCookies(ctx, userID, page)
}

func (p *Pool) tryRestore(ctx context.Context, userID string, page schemas.PageSession, rec *schemas.SessionRecord) error {
	cookies := scopeCookies(rec.Cookies, targetHost(p.cfg.Target.BaseURL))
	if len(cookies) == 0 {
		return errors.New("no stored cookies for this target")
	}
	if dropped := len(rec.Cookies) - len(cookies); dropped > 0 {
		p.logger.Debug("Dropped stored cookies from another deployment",
			zap.String("user_id", userID), zap.Int("dropped", dropped))
	}
	if err := page.SetCookies(ctx, cookies); err != nil {
		return fmt.Errorf("restoring cookies: %w", err)
	}
	if err := page.Navigate(ctx, p.cfg.Target.BaseURL); err != nil {
		return fmt.Errorf("navigating with restored cookies: %w", err)
	}
	ok, err := p.auth.Probe(ctx, page)
	if err != nil {
		return fmt.Errorf("probing restored session: %w", err)
	}
	if !ok {
		p.logger.Info("Saved cookies rejected by target, performing full login",
			zap.String("user_id", userID))
		return errors.New("restored session not authenticated")
	}
	p.logger.Info("Restored session from saved cookies", zap.String("user_id", userID))
	return nil
}

// persistCookies refreshes the stored record with the page's current cookie
// jar and a new expiry horizon.
func (p *Pool) persistCookies(ctx context.Context, userID string, page schemas.PageSession) error {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("harvesting cookies: %w", err)
	}
	now := time.Now()
	rec := schemas.SessionRecord{
		UserID:  userID,
		Cookies: cookies,
		SavedAt: now,
		Expiry:  now.Add(p.cfg.Sessions.CookieTTL),
	}
	if err := p.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("persisting session record: %w", err)
	}
	return nil
}

func targetHost(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return baseURL
	}
	return u.Hostname()
}

// scopeCookies keeps only the stored cookies that belong to the configured
// target. A record written while base_url pointed at a different deployment
// must not seed its cookies into this one.
func scopeCookies(cookies []schemas.Cookie, host string) []schemas.Cookie {
	targetDomain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// Intranet hostnames and bare IPs carry no public suffix; fall back
		// to matching the host itself.
		targetDomain = host
	}

	var kept []schemas.Cookie
	for _, c := range cookies {
		domain := strings.TrimPrefix(c.Domain, ".")
		if domain == "" || domain == host {
			kept = append(kept, c)
			continue
		}
		owner, err := publicsuffix.EffectiveTLDPlusOne(domain)
		if err != nil {
			owner = domain
		}
		if owner == targetDomain {
			kept = append(kept, c)
		}
	}
	return kept
}

// Release hands a session back after a job. A healthy release refreshes the
// persisted cookies; an evicting release tears the session down and clears
// the stored record so the next Acquire performs a clean login.
func (p *Pool) Release(ctx context.Context, userID string, outcome schemas.ReleaseOutcome) {
	p.mu.Lock()
	entry, ok := p.sessions[userID]
	p.mu.Unlock()
	if !ok {
		return
	}

	if outcome == schemas.ReleaseEvict {
		p.logger.Warn("Evicting session", zap.String("user_id", userID))
		p.dropSession(ctx, userID, entry)
		if err := p.store.Clear(ctx, userID); err != nil {
			p.logger.Warn("Clearing session record failed",
				zap.String("user_id", userID), zap.Error(err))
		}
		return
	}

	if err := p.persistCookies(ctx, userID, entry.page); err != nil {
		p.logger.Warn("Refreshing session record failed",
			zap.String("user_id", userID), zap.Error(err))
	}
	p.touch(userID)
}

func (p *Pool) touch(userID string) {
	p.mu.Lock()
	if entry, ok := p.sessions[userID]; ok {
		entry.lastUsed = time.Now()
	}
	p.mu.Unlock()
}

// dropSession closes the page and removes it from the pool. The persisted
// cookie record is left alone; callers that need it gone clear it themselves.
func (p *Pool) dropSession(ctx context.Context, userID string, entry *pooledSession) {
	_ = entry.page.Close(ctx)
	p.mu.Lock()
	if current, ok := p.sessions[userID]; ok && current == entry {
		delete(p.sessions, userID)
	}
	p.mu.Unlock()
}

// sweepIdle closes sessions that sat unused past the idle TTL. Their cookie
// records survive, so the next Acquire restores instead of re-logging in.
func (p *Pool) sweepIdle() {
	defer p.sweepWg.Done()

	interval := p.cfg.Sessions.IdleTTL / 4
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

func (p *Pool) evictIdle() {
	cutoff := time.Now().Add(-p.cfg.Sessions.IdleTTL)

	p.mu.Lock()
	var stale []string
	var pages []*pooledSession
	for userID, entry := range p.sessions {
		if entry.lastUsed.Before(cutoff) {
			stale = append(stale, userID)
			pages = append(pages, entry)
			delete(p.sessions, userID)
		}
	}
	p.mu.Unlock()

	for i, userID := range stale {
		p.logger.Info("Closing idle session", zap.String("user_id", userID))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = pages[i].page.Close(ctx)
		cancel()
	}
}

// Shutdown closes every session concurrently, then tears down the shared
// browser process. Safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	entries := make(map[string]*pooledSession, len(p.sessions))
	for userID, entry := range p.sessions {
		entries[userID] = entry
	}
	p.sessions = make(map[string]*pooledSession)
	p.mu.Unlock()

	close(p.done)
	p.sweepWg.Wait()

	var wg sync.WaitGroup
	for userID, entry := range entries {
		wg.Add(1)
		go func(userID string, entry *pooledSession) {
			defer wg.Done()
			closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := entry.page.Close(closeCtx); err != nil {
				p.logger.Warn("Session close failed during shutdown",
					zap.String("user_id", userID), zap.Error(err))
			}
		}(userID, entry)
	}
	wg.Wait()

	p.allocatorCancel()
	p.logger.Info("Browser pool shut down", zap.Int("sessions_closed", len(entries)))
}
