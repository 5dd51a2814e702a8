// Package browsertest provides an in-memory browser.Browser for tests. Pages
// hold a flat table of elements keyed by the exact selector string; hooks let
// a test script how the page reacts to clicks, scrolls and URL waits.
package browsertest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-inventory/browser"
)

var (
	_ browser.Browser = (*Browser)(nil)
	_ browser.Context = (*Context)(nil)
	_ browser.Page    = (*Page)(nil)
)

// Element is the state of everything matching one selector.
type Element struct {
	Hidden   bool
	Disabled bool
	Text     string
	// HTML holds one outer HTML string per matching element. When empty the
	// selector matches a single element.
	HTML     []string
	ClickErr error
	FillErr  error
	// HTMLErr makes OuterHTML fail for the listed indexes.
	HTMLErr  map[int]error
}

func (e *Element) count() int {
	if len(e.HTML) > 0 {
		return len(e.HTML)
	}
	return 1
}

// Page is a scriptable browser.Page.
type Page struct {
	mu       sync.Mutex
	url      string
	closed   bool
	elements map[string]*Element

	onClick      map[string]func(*Page)
	onScroll     func(*Page)
	onWaitForURL func(*Page, string)
	onGoto       func(*Page, string) error

	// LoadStateErr is returned by WaitForLoadState.
	LoadStateErr  error
	// ScreenshotErr is returned by Screenshot.
	ScreenshotErr error

	clicks         []string
	fills          map[string]string
	presses        []string
	gotos          []string
	screenshots    []string
	scrolls        int
	defaultTimeout time.Duration
}

// NewPage returns an open page at url.
func NewPage(url string) *Page {
	return &Page{
		url:      url,
		elements: make(map[string]*Element),
		onClick:  make(map[string]func(*Page)),
		fills:    make(map[string]string),
	}
}

// SetURL changes the current URL.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// Set installs or replaces the element for selector.
func (p *Page) Set(selector string, e *Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements[selector] = e
}

// Show adds a visible, enabled element for selector.
func (p *Page) Show(selector string) {
	p.Set(selector, &Element{})
}

// Remove detaches the element for selector.
func (p *Page) Remove(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.elements, selector)
}

// SetHTML replaces the per-element outer HTML list for selector.
func (p *Page) SetHTML(selector string, html []string) {
	p.Set(selector, &Element{HTML: append([]string(nil), html...)})
}

// OnClick runs fn after a successful click on selector.
func (p *Page) OnClick(selector string, fn func(*Page)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClick[selector] = fn
}

// OnScroll runs fn whenever a script is evaluated on the page.
func (p *Page) OnScroll(fn func(*Page)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onScroll = fn
}

// OnWaitForURL runs fn before WaitForURL checks the current URL.
func (p *Page) OnWaitForURL(fn func(*Page, string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWaitForURL = fn
}

// OnGoto replaces the default navigation behaviour (set URL, succeed).
func (p *Page) OnGoto(fn func(*Page, string) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onGoto = fn
}

// Clicks returns the selectors clicked so far, in order.
func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

// Clicked reports whether selector was clicked.
func (p *Page) Clicked(selector string) bool {
	for _, s := range p.Clicks() {
		if s == selector {
			return true
		}
	}
	return false
}

// Filled returns the value filled into selector.
func (p *Page) Filled(selector string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.fills[selector]
	return v, ok
}

// Presses returns "selector:key" entries for every key press.
func (p *Page) Presses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.presses...)
}

// Gotos returns every URL navigated to.
func (p *Page) Gotos() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.gotos...)
}

// Screenshots returns every screenshot path requested.
func (p *Page) Screenshots() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.screenshots...)
}

// Scrolls returns how many scripts were evaluated.
func (p *Page) Scrolls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scrolls
}

// DefaultTimeout returns the last value passed to SetDefaultTimeout.
func (p *Page) DefaultTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.defaultTimeout
}

func (p *Page) Goto(url string, _ browser.LoadState, _ time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errClosed()
	}
	p.gotos = append(p.gotos, url)
	hook := p.onGoto
	p.mu.Unlock()

	if hook != nil {
		return hook(p, url)
	}
	p.SetURL(url)
	return nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Locator(selector string) browser.Locator {
	return &Locator{page: p, selector: selector}
}

func (p *Page) WaitForURL(fragment string, _ time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errClosed()
	}
	hook := p.onWaitForURL
	p.mu.Unlock()

	if hook != nil {
		hook(p, fragment)
	}
	if strings.Contains(p.URL(), fragment) {
		return nil
	}
	return browser.ErrTimeout{Err: fmt.Errorf("url %q never contained %q", p.URL(), fragment)}
}

func (p *Page) WaitForLoadState(_ browser.LoadState, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errClosed()
	}
	return p.LoadStateErr
}

func (p *Page) Evaluate(_ string) (any, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errClosed()
	}
	p.scrolls++
	hook := p.onScroll
	p.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil, nil
}

func (p *Page) Screenshot(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errClosed()
	}
	if p.ScreenshotErr != nil {
		return p.ScreenshotErr
	}
	p.screenshots = append(p.screenshots, path)
	return nil
}

func (p *Page) SetDefaultTimeout(timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaultTimeout = timeout
}

func (p *Page) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *Page) lookup(selector string) (*Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errClosed()
	}
	return p.elements[selector], nil
}

// Locator addresses the elements of a fake Page matching one selector.
type Locator struct {
	page     *Page
	selector string
	index    int
	indexed  bool
}

func (l *Locator) First() browser.Locator {
	return l.Nth(0)
}

func (l *Locator) Nth(index int) browser.Locator {
	return &Locator{page: l.page, selector: l.selector, index: index, indexed: true}
}

func (l *Locator) Locator(selector string) browser.Locator {
	return &Locator{page: l.page, selector: l.selector + " " + selector}
}

func (l *Locator) Count() (int, error) {
	e, err := l.page.lookup(l.selector)
	if err != nil || e == nil {
		return 0, err
	}
	if l.indexed {
		if l.index < e.count() {
			return 1, nil
		}
		return 0, nil
	}
	return e.count(), nil
}

// resolve returns the element when the addressed index exists.
func (l *Locator) resolve() (*Element, error) {
	e, err := l.page.lookup(l.selector)
	if err != nil {
		return nil, err
	}
	if e == nil || l.index >= e.count() {
		return nil, nil
	}
	return e, nil
}

func (l *Locator) WaitFor(state browser.WaitState, _ time.Duration) error {
	e, err := l.resolve()
	if err != nil {
		return err
	}
	ok := false
	switch state {
	case browser.StateAttached:
		ok = e != nil
	case browser.StateDetached:
		ok = e == nil
	case browser.StateHidden:
		ok = e == nil || e.Hidden
	default:
		ok = e != nil && !e.Hidden
	}
	if ok {
		return nil
	}
	return browser.ErrTimeout{Err: fmt.Errorf("%q never became %s", l.selector, state)}
}

func (l *Locator) IsVisible() (bool, error) {
	e, err := l.resolve()
	if err != nil {
		return false, err
	}
	return e != nil && !e.Hidden, nil
}

func (l *Locator) IsEnabled(_ time.Duration) (bool, error) {
	e, err := l.resolve()
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, browser.ErrTimeout{Err: fmt.Errorf("%q not found", l.selector)}
	}
	return !e.Disabled, nil
}

func (l *Locator) Click(_ time.Duration) error {
	e, err := l.resolve()
	if err != nil {
		return err
	}
	if e == nil || e.Hidden {
		return browser.ErrTimeout{Err: fmt.Errorf("%q not clickable", l.selector)}
	}
	if e.ClickErr != nil {
		return e.ClickErr
	}

	l.page.mu.Lock()
	l.page.clicks = append(l.page.clicks, l.selector)
	hook := l.page.onClick[l.selector]
	l.page.mu.Unlock()

	if hook != nil {
		hook(l.page)
	}
	return nil
}

func (l *Locator) Fill(value string) error {
	e, err := l.resolve()
	if err != nil {
		return err
	}
	if e == nil {
		return browser.ErrTimeout{Err: fmt.Errorf("%q not found", l.selector)}
	}
	if e.FillErr != nil {
		return e.FillErr
	}
	l.page.mu.Lock()
	l.page.fills[l.selector] = value
	l.page.mu.Unlock()
	return nil
}

func (l *Locator) Press(key string) error {
	e, err := l.resolve()
	if err != nil {
		return err
	}
	if e == nil {
		return browser.ErrTimeout{Err: fmt.Errorf("%q not found", l.selector)}
	}
	l.page.mu.Lock()
	l.page.presses = append(l.page.presses, l.selector+":"+key)
	l.page.mu.Unlock()
	return nil
}

func (l *Locator) TextContent(_ time.Duration) (string, error) {
	e, err := l.resolve()
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", browser.ErrTimeout{Err: fmt.Errorf("%q not found", l.selector)}
	}
	return e.Text, nil
}

func (l *Locator) ScrollIntoView(_ time.Duration) error {
	_, err := l.resolve()
	return err
}

func (l *Locator) OuterHTML(_ time.Duration) (string, error) {
	e, err := l.resolve()
	if err != nil {
		return "", err
	}
	if e == nil || len(e.HTML) == 0 {
		return "", browser.ErrTimeout{Err: fmt.Errorf("%q[%d] not found", l.selector, l.index)}
	}
	if err := e.HTMLErr[l.index]; err != nil {
		return "", err
	}
	return e.HTML[l.index], nil
}

// Context is a fake browser.Context.
type Context struct {
	mu      sync.Mutex
	browser *Browser
	// Seed is the storage state the context was opened with.
	Seed    []byte
	pages   []*Page
	closed  bool
}

func (c *Context) NewPage() (browser.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClosed()
	}
	page := c.browser.newPage(c)
	c.pages = append(c.pages, page)
	return page, nil
}

func (c *Context) StorageState() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClosed()
	}
	if c.browser.StorageState != nil {
		return c.browser.StorageState, nil
	}
	return []byte(`{"cookies":[],"origins":[]}`), nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, p := range c.pages {
		_ = p.Close()
	}
	return nil
}

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Browser is a fake browser.Browser. NewPageFunc builds every page opened in
// any of its contexts.
type Browser struct {
	mu            sync.Mutex
	NewPageFunc   func(*Context) *Page
	// StorageState is what every context reports from StorageState.
	StorageState  []byte
	NewContextErr error

	contexts []*Context
	closed   bool
}

func (b *Browser) NewContext(storageState []byte) (browser.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed()
	}
	if b.NewContextErr != nil {
		return nil, b.NewContextErr
	}
	c := &Context{browser: b, Seed: storageState}
	b.contexts = append(b.contexts, c)
	return c, nil
}

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Contexts returns every context opened so far.
func (b *Browser) Contexts() []*Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Context(nil), b.contexts...)
}

func (b *Browser) newPage(c *Context) *Page {
	if b.NewPageFunc != nil {
		return b.NewPageFunc(c)
	}
	return NewPage("about:blank")
}

func errClosed() error {
	return browser.ErrClosed{Err: errors.New("target page, context or browser has been closed")}
}
