package vpn

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/eleven-am/burrow/internal/domain"
)

// Selector lists for the identity provider's login form, tried in order.
// The portal has changed its markup before; extend these rather than pin one.
var (
	usernameSelectors = []string{
		`input[type="email"]`,
		`input[name="username"]`,
		`#awsui-input-0`,
	}
	passwordSelectors = []string{
		`input[type="password"]`,
		`input[name="password"]`,
	}
	mfaSelectors = []string{
		`input[autocomplete="one-time-code"]`,
		`input[name="mfaCode"]`,
		`input[type="tel"]`,
	}
)

const fieldTimeout = 15 * time.Second

// ChromeBrowser drives the SAML login form through a headless Chrome. It
// implements domain.Browser; the callback listener, not this type, observes
// the assertion.
type ChromeBrowser struct {
	Headless bool
}

func NewChromeBrowser() *ChromeBrowser {
	return &ChromeBrowser{Headless: true}
}

func (b *ChromeBrowser) CompleteLogin(ctx context.Context, loginURL, username, password, mfaCode string) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.Headless),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	if err := chromedp.Run(tabCtx, chromedp.Navigate(loginURL)); err != nil {
		return &domain.VpnError{Step: "browser", Err: err}
	}

	if err := fillAndSubmit(tabCtx, usernameSelectors, username); err != nil {
		return &domain.VpnError{Step: "browser", Err: err}
	}
	if err := fillAndSubmit(tabCtx, passwordSelectors, password); err != nil {
		return &domain.VpnError{Step: "browser", Err: err}
	}
	if mfaCode != "" {
		if err := fillAndSubmit(tabCtx, mfaSelectors, mfaCode); err != nil {
			return &domain.VpnError{Step: "browser", Err: err}
		}
	}

	// The provider now redirects the assertion to the callback listener.
	// Keep the tab alive until the caller cancels, so the redirect lands.
	<-ctx.Done()
	return nil
}

// fillAndSubmit types value into the first selector that shows up and sends
// Enter. Each candidate gets its own deadline so a dead selector cannot eat
// the whole login window.
func fillAndSubmit(ctx context.Context, selectors []string, value string) error {
	var lastErr error
	for _, sel := range selectors {
		fieldCtx, cancel := context.WithTimeout(ctx, fieldTimeout)
		err := chromedp.Run(fieldCtx,
			chromedp.WaitVisible(sel, chromedp.ByQuery),
			chromedp.SendKeys(sel, value+kb.Enter, chromedp.ByQuery),
		)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}
