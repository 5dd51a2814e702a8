package browser

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/playwright-community/playwright-go"
)

// LaunchOptions configures the Chromium instance started by Launch.
type LaunchOptions struct {
	Headless bool
	// InstallDriver downloads the playwright driver and browsers when missing.
	InstallDriver bool
}

// Driver owns the playwright process and the launched browser.
type Driver struct {
	pw      *playwright.Playwright
	browser playwright.Browser
}

// Launch starts playwright and a Chromium browser.
func Launch(opts LaunchOptions) (*Driver, error) {
	if opts.InstallDriver {
		if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}}); err != nil {
			return nil, fmt.Errorf("install playwright: %w", err)
		}
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	return &Driver{pw: pw, browser: b}, nil
}

// Browser exposes the launched browser through the capability interface.
func (d *Driver) Browser() Browser {
	return &pwBrowser{browser: d.browser}
}

// Stop closes the browser and shuts playwright down.
func (d *Driver) Stop() error {
	var errs []error
	if d.browser != nil {
		if err := d.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	if d.pw != nil {
		if err := d.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop playwright: %w", err))
		}
	}
	return errors.Join(errs...)
}

type pwBrowser struct {
	browser playwright.Browser
}

func (b *pwBrowser) NewContext(storageState []byte) (Context, error) {
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
	}
	if storageState != nil {
		var state playwright.OptionalStorageState
		if err := json.Unmarshal(storageState, &state); err != nil {
			return nil, fmt.Errorf("decode storage state: %w", err)
		}
		opts.StorageState = &state
	}

	c, err := b.browser.NewContext(opts)
	if err != nil {
		return nil, classify(err)
	}
	return &pwContext{context: c}, nil
}

func (b *pwBrowser) Close() error {
	return classify(b.browser.Close())
}

type pwContext struct {
	context playwright.BrowserContext
}

func (c *pwContext) NewPage() (Page, error) {
	p, err := c.context.NewPage()
	if err != nil {
		return nil, classify(err)
	}
	return &pwPage{page: p}, nil
}

func (c *pwContext) StorageState() ([]byte, error) {
	state, err := c.context.StorageState()
	if err != nil {
		return nil, classify(err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode storage state: %w", err)
	}
	return data, nil
}

func (c *pwContext) Close() error {
	return classify(c.context.Close())
}

type pwPage struct {
	page playwright.Page
}

func (p *pwPage) Goto(url string, waitUntil LoadState, timeout time.Duration) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: waitUntilState(waitUntil),
		Timeout:   millis(timeout),
	})
	return classify(err)
}

func (p *pwPage) URL() string {
	return p.page.URL()
}

func (p *pwPage) Locator(selector string) Locator {
	return &pwLocator{locator: p.page.Locator(selector)}
}

func (p *pwPage) WaitForURL(fragment string, timeout time.Duration) error {
	pattern := regexp.MustCompile(regexp.QuoteMeta(fragment))
	return classify(p.page.WaitForURL(pattern, playwright.PageWaitForURLOptions{
		Timeout: millis(timeout),
	}))
}

func (p *pwPage) WaitForLoadState(state LoadState, timeout time.Duration) error {
	return classify(p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   loadState(state),
		Timeout: millis(timeout),
	}))
}

func (p *pwPage) Evaluate(script string) (any, error) {
	v, err := p.page.Evaluate(script)
	return v, classify(err)
}

func (p *pwPage) Screenshot(path string) error {
	_, err := p.page.Screenshot(playwright.PageScreenshotOptions{
		Path: playwright.String(path),
	})
	return classify(err)
}

func (p *pwPage) SetDefaultTimeout(timeout time.Duration) {
	p.page.SetDefaultTimeout(float64(timeout.Milliseconds()))
}

func (p *pwPage) IsClosed() bool {
	return p.page.IsClosed()
}

func (p *pwPage) Close() error {
	return classify(p.page.Close())
}

type pwLocator struct {
	locator playwright.Locator
}

func (l *pwLocator) First() Locator {
	return &pwLocator{locator: l.locator.First()}
}

func (l *pwLocator) Nth(index int) Locator {
	return &pwLocator{locator: l.locator.Nth(index)}
}

func (l *pwLocator) Locator(selector string) Locator {
	return &pwLocator{locator: l.locator.Locator(selector)}
}

func (l *pwLocator) Count() (int, error) {
	n, err := l.locator.Count()
	return n, classify(err)
}

func (l *pwLocator) WaitFor(state WaitState, timeout time.Duration) error {
	return classify(l.locator.WaitFor(playwright.LocatorWaitForOptions{
		State:   waitForState(state),
		Timeout: millis(timeout),
	}))
}

func (l *pwLocator) IsVisible() (bool, error) {
	ok, err := l.locator.IsVisible()
	return ok, classify(err)
}

func (l *pwLocator) IsEnabled(timeout time.Duration) (bool, error) {
	ok, err := l.locator.IsEnabled(playwright.LocatorIsEnabledOptions{
		Timeout: millis(timeout),
	})
	return ok, classify(err)
}

func (l *pwLocator) Click(timeout time.Duration) error {
	return classify(l.locator.Click(playwright.LocatorClickOptions{
		Timeout: millis(timeout),
	}))
}

func (l *pwLocator) Fill(value string) error {
	return classify(l.locator.Fill(value))
}

func (l *pwLocator) Press(key string) error {
	return classify(l.locator.Press(key))
}

func (l *pwLocator) TextContent(timeout time.Duration) (string, error) {
	text, err := l.locator.TextContent(playwright.LocatorTextContentOptions{
		Timeout: millis(timeout),
	})
	return text, classify(err)
}

func (l *pwLocator) ScrollIntoView(timeout time.Duration) error {
	return classify(l.locator.ScrollIntoViewIfNeeded(playwright.LocatorScrollIntoViewIfNeededOptions{
		Timeout: millis(timeout),
	}))
}

func (l *pwLocator) OuterHTML(timeout time.Duration) (string, error) {
	v, err := l.locator.Evaluate("el => el.outerHTML", nil, playwright.LocatorEvaluateOptions{
		Timeout: millis(timeout),
	})
	if err != nil {
		return "", classify(err)
	}
	html, ok := v.(string)
	if !ok {
		return "", ErrDriver{Err: fmt.Errorf("outerHTML returned %T", v)}
	}
	return html, nil
}

// classify maps playwright errors onto the package's failure types.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, playwright.ErrTimeout):
		return ErrTimeout{Err: err}
	case errors.Is(err, playwright.ErrTargetClosed):
		return ErrClosed{Err: err}
	}
	return classifyMessage(err)
}

func millis(d time.Duration) *float64 {
	return playwright.Float(float64(d.Milliseconds()))
}

func waitForState(s WaitState) *playwright.WaitForSelectorState {
	switch s {
	case StateAttached:
		return playwright.WaitForSelectorStateAttached
	case StateHidden:
		return playwright.WaitForSelectorStateHidden
	case StateDetached:
		return playwright.WaitForSelectorStateDetached
	default:
		return playwright.WaitForSelectorStateVisible
	}
}

func waitUntilState(s LoadState) *playwright.WaitUntilState {
	switch s {
	case LoadStateLoad:
		return playwright.WaitUntilStateLoad
	case LoadStateNetworkIdle:
		return playwright.WaitUntilStateNetworkidle
	default:
		return playwright.WaitUntilStateDomcontentloaded
	}
}

func loadState(s LoadState) *playwright.LoadState {
	switch s {
	case LoadStateLoad:
		return playwright.LoadStateLoad
	case LoadStateDOMContentLoaded:
		return playwright.LoadStateDomcontentloaded
	default:
		return playwright.LoadStateNetworkidle
	}
}
