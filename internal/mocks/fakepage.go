package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
)

// FakePage is a scripted schemas.PageSession for protocol and engine tests.
// Tests load it with documents and wire handlers that mutate the page the way
// the target application would: a click swaps in the next screen, typing
// updates a grid, and so on. All bookkeeping is concurrency safe so engine
// tests can poll it while a worker drives it.
type FakePage struct {
	mu sync.Mutex

	id      string
	url     string
	html    string
	docs    map[string]string // url -> document served by Navigate
	cookies []schemas.Cookie
	alive   bool
	closed  bool

	clickHandlers map[string]func(p *FakePage) error
	typeHandlers  map[string]func(p *FakePage, text string) error
	keysHandler   func(p *FakePage, keys string) error

	clicked   []string
	typed     map[string][]string
	sentKeys  []string
	waitIdles int

	NavigateErr   error
	SnapshotErr   error
	ScreenshotErr error
}

var _ schemas.PageSession = (*FakePage)(nil)

// NewFakePage returns a live fake showing the given document.
func NewFakePage(id, html string) *FakePage {
	return &FakePage{
		id:            id,
		html:          html,
		alive:         true,
		docs:          make(map[string]string),
		clickHandlers: make(map[string]func(p *FakePage) error),
		typeHandlers:  make(map[string]func(p *FakePage, text string) error),
		typed:         make(map[string][]string),
	}
}

// -- Scripting --

// AddDoc registers the document Navigate serves for a URL.
func (f *FakePage) AddDoc(url, html string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[url] = html
}

// SetHTML swaps the current document, as an application response would.
func (f *FakePage) SetHTML(html string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.html = html
}

// SetURL changes the reported document URL.
func (f *FakePage) SetURL(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = url
}

// OnClick wires a handler for clicks on the exact selector.
func (f *FakePage) OnClick(selector string, fn func(p *FakePage) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clickHandlers[selector] = fn
}

// OnType wires a handler for text typed into the exact selector.
func (f *FakePage) OnType(selector string, fn func(p *FakePage, text string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typeHandlers[selector] = fn
}

// OnSendKeys wires the handler for raw key dispatches.
func (f *FakePage) OnSendKeys(fn func(p *FakePage, keys string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keysHandler = fn
}

// Kill marks the page dead, like a crashed tab.
func (f *FakePage) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
}

// -- Inspection --

func (f *FakePage) Clicked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.clicked))
	copy(out, f.clicked)
	return out
}

func (f *FakePage) TypedInto(selector string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.typed[selector]))
	copy(out, f.typed[selector])
	return out
}

func (f *FakePage) SentKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sentKeys))
	copy(out, f.sentKeys)
	return out
}

func (f *FakePage) WasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// -- schemas.PageSession --

func (f *FakePage) ID() string { return f.id }

func (f *FakePage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if f.NavigateErr != nil {
		err := f.NavigateErr
		f.mu.Unlock()
		return err
	}
	f.url = url
	if doc, ok := f.docs[url]; ok {
		f.html = doc
	}
	f.mu.Unlock()
	return nil
}

func (f *FakePage) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.clicked = append(f.clicked, selector)
	fn := f.clickHandlers[selector]
	f.mu.Unlock()
	if fn != nil {
		return fn(f)
	}
	return nil
}

func (f *FakePage) Type(ctx context.Context, selector, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.typed[selector] = append(f.typed[selector], text)
	fn := f.typeHandlers[selector]
	f.mu.Unlock()
	if fn != nil {
		return fn(f, text)
	}
	return nil
}

func (f *FakePage) SetValue(ctx context.Context, selector, value string) error {
	return f.Type(ctx, selector, value)
}

func (f *FakePage) SendKeys(ctx context.Context, keys string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.sentKeys = append(f.sentKeys, keys)
	fn := f.keysHandler
	f.mu.Unlock()
	if fn != nil {
		return fn(f, keys)
	}
	return nil
}

func (f *FakePage) Snapshot(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SnapshotErr != nil {
		return "", f.SnapshotErr
	}
	if !f.alive {
		return "", fmt.Errorf("page target is gone")
	}
	return f.html, nil
}

func (f *FakePage) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ScreenshotErr != nil {
		return nil, f.ScreenshotErr
	}
	return []byte("fake-png"), nil
}

func (f *FakePage) WaitIdle(ctx context.Context, quiet time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitIdles++
	return nil
}

func (f *FakePage) CurrentURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

func (f *FakePage) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schemas.Cookie, len(f.cookies))
	copy(out, f.cookies)
	return out, nil
}

func (f *FakePage) SetCookies(ctx context.Context, cookies []schemas.Cookie) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookies = append(f.cookies[:0], cookies...)
	return nil
}

func (f *FakePage) Alive(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive && !f.closed
}

func (f *FakePage) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
