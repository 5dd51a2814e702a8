// Package browser defines the UI-automation capabilities the scraper consumes
// and the element interaction helpers built on top of them.
package browser

import "time"

// WaitState is the element state awaited by Locator.WaitFor.
type WaitState string

const (
	StateVisible  WaitState = "visible"
	StateAttached WaitState = "attached"
	StateHidden   WaitState = "hidden"
	StateDetached WaitState = "detached"
)

// LoadState is a page load milestone.
type LoadState string

const (
	LoadStateLoad             LoadState = "load"
	LoadStateDOMContentLoaded LoadState = "domcontentloaded"
	LoadStateNetworkIdle      LoadState = "networkidle"
)

// Browser opens isolated browsing contexts.
type Browser interface {
	// NewContext opens a context; a non-nil storageState seeds cookies and
	// per-origin storage.
	NewContext(storageState []byte) (Context, error)
	Close() error
}

// Context is one browsing context (cookie jar plus pages).
type Context interface {
	NewPage() (Page, error)
	// StorageState serializes cookies and per-origin storage.
	StorageState() ([]byte, error)
	Close() error
}

// Page is a single tab.
type Page interface {
	Goto(url string, waitUntil LoadState, timeout time.Duration) error
	URL() string
	Locator(selector string) Locator
	// WaitForURL blocks until the current URL contains fragment.
	WaitForURL(fragment string, timeout time.Duration) error
	WaitForLoadState(state LoadState, timeout time.Duration) error
	Evaluate(script string) (any, error)
	Screenshot(path string) error
	SetDefaultTimeout(timeout time.Duration)
	IsClosed() bool
	Close() error
}

// Locator addresses zero or more elements matching a selector.
type Locator interface {
	First() Locator
	Nth(index int) Locator
	Locator(selector string) Locator
	Count() (int, error)
	WaitFor(state WaitState, timeout time.Duration) error
	IsVisible() (bool, error)
	IsEnabled(timeout time.Duration) (bool, error)
	Click(timeout time.Duration) error
	Fill(value string) error
	Press(key string) error
	TextContent(timeout time.Duration) (string, error)
	ScrollIntoView(timeout time.Duration) error
	OuterHTML(timeout time.Duration) (string, error)
}
