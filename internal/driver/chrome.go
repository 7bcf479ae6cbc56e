package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/compose-network/scenario-harness/configs"
	"github.com/compose-network/scenario-harness/internal/logger"
)

// ChromeOptions configures the headless Chrome the chromedp backend launches.
type ChromeOptions struct {
	ExecPath string
	Headless bool
	// ProxyURL routes every non-loopback request through the mock interceptor.
	ProxyURL     string
	WindowWidth  int
	WindowHeight int
}

func ChromeOptionsFrom(c configs.Driver, proxyURL string) ChromeOptions {
	return ChromeOptions{
		ExecPath:     c.ChromePath,
		Headless:     c.Headless,
		ProxyURL:     proxyURL,
		WindowWidth:  c.WindowWidth,
		WindowHeight: c.WindowHeight,
	}
}

// ChromeBrowser is the chromedp Browser backend.
type ChromeBrowser struct {
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	logger      *slog.Logger

	mu      sync.Mutex
	console []string
}

// LaunchChrome starts the browser and opens one tab. The browser outlives ctx; Close releases it.
func LaunchChrome(ctx context.Context, opts ChromeOptions) (*ChromeBrowser, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("ignore-certificate-errors", true),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.ProxyURL != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyURL))
	}
	if opts.WindowWidth > 0 && opts.WindowHeight > 0 {
		allocOpts = append(allocOpts, chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight))
	}

	l := logger.Named("chrome")

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		l.Debug(fmt.Sprintf(format, args...))
	}))

	b := &ChromeBrowser{
		ctx:         tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
		logger:      l,
	}
	chromedp.ListenTarget(tabCtx, b.onEvent)

	// The first Run allocates the browser and must use the tab context itself.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx) }()

	select {
	case err := <-started:
		if err != nil {
			cancelTab()
			cancelAlloc()
			return nil, fmt.Errorf("failed to launch chrome: %w", err)
		}
	case <-ctx.Done():
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("failed to launch chrome: %w", ctx.Err())
	}

	l.With("proxy", opts.ProxyURL).With("headless", opts.Headless).Info("chrome launched")
	return b, nil
}

// Launch starts Chrome behind proxyURL and wraps it in a Driver whose app entry point is appURL.
func Launch(ctx context.Context, cfg configs.Driver, proxyURL, appURL string) (*Driver, error) {
	browser, err := LaunchChrome(ctx, ChromeOptionsFrom(cfg, proxyURL))
	if err != nil {
		return nil, err
	}
	return New(browser, ConfigFrom(cfg), appURL), nil
}

func (b *ChromeBrowser) Navigate(ctx context.Context, url string) error {
	return b.run(ctx, chromedp.Navigate(url))
}

func (b *ChromeBrowser) Query(ctx context.Context, loc Locator) ([]ElementState, error) {
	encoded, err := json.Marshal(loc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode locator: %w", err)
	}

	var states []ElementState
	if err := b.run(ctx, chromedp.Evaluate(fmt.Sprintf(queryScript, RefAttribute, encoded), &states)); err != nil {
		return nil, err
	}
	return states, nil
}

func (b *ChromeBrowser) Click(ctx context.Context, ref string) error {
	return b.run(ctx, chromedp.Click(ByRef(ref).CSS, chromedp.ByQuery))
}

func (b *ChromeBrowser) Fill(ctx context.Context, ref string, value string) error {
	sel := ByRef(ref).CSS
	return b.run(ctx,
		chromedp.Clear(sel, chromedp.ByQuery),
		chromedp.SendKeys(sel, value, chromedp.ByQuery),
	)
}

func (b *ChromeBrowser) Screenshot(ctx context.Context) ([]byte, error) {
	var png []byte
	err := b.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		png, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithCaptureBeyondViewport(true).
			Do(ctx)
		return err
	}))
	return png, err
}

func (b *ChromeBrowser) PageSource(ctx context.Context) (string, error) {
	var html string
	err := b.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (b *ChromeBrowser) ConsoleLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.console...)
}

// Close shuts the browser down gracefully within ctx, then kills it.
func (b *ChromeBrowser) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(b.ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("chrome did not exit in time: %w", ctx.Err())
	}

	b.cancelTab()
	b.cancelAlloc()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// run executes actions on the tab, bounded by the caller's ctx.
func (b *ChromeBrowser) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(b.ctx)
	defer cancel()

	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (b *ChromeBrowser) onEvent(ev any) {
	var line string
	switch ev := ev.(type) {
	case *runtime.EventConsoleAPICalled:
		args := make([]string, 0, len(ev.Args))
		for _, arg := range ev.Args {
			if len(arg.Value) > 0 {
				args = append(args, string(arg.Value))
			} else {
				args = append(args, arg.Description)
			}
		}
		line = fmt.Sprintf("[%s] %s", ev.Type, strings.Join(args, " "))
	case *runtime.EventExceptionThrown:
		line = "[exception] " + ev.ExceptionDetails.Error()
	default:
		return
	}

	b.mu.Lock()
	b.console = append(b.console, line)
	b.mu.Unlock()
}

// queryScript resolves a Locator in the page and tags every match with the ref attribute. Format
// arguments: the attribute name, then the JSON-encoded locator.
const queryScript = `(function (attr, loc) {
  const norm = (s) => (s || "").replace(/\s+/g, " ").trim();
  let nodes = [];
  if (loc.xpath) {
    const snap = document.evaluate(loc.xpath, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
    for (let i = 0; i < snap.snapshotLength; i++) {
      const n = snap.snapshotItem(i);
      if (n.nodeType === Node.ELEMENT_NODE) nodes.push(n);
    }
  } else {
    nodes = Array.from(document.querySelectorAll(loc.css || loc.tag || "*"));
  }
  if (loc.tag) {
    nodes = nodes.filter((el) => el.tagName.toLowerCase() === loc.tag.toLowerCase());
  }
  if (loc.text) {
    const want = norm(loc.text);
    nodes = nodes.filter((el) =>
      norm(Array.from(el.childNodes)
        .filter((n) => n.nodeType === Node.TEXT_NODE)
        .map((n) => n.textContent)
        .join(" ")).includes(want));
  }
  return nodes.map((el) => {
    if (!el.hasAttribute(attr)) {
      window.__harnessRef = (window.__harnessRef || 0) + 1;
      el.setAttribute(attr, "h" + window.__harnessRef);
    }
    const style = window.getComputedStyle(el);
    return {
      ref: el.getAttribute(attr),
      tag: el.tagName.toLowerCase(),
      text: norm(el.innerText !== undefined ? el.innerText : el.textContent),
      value: "value" in el ? String(el.value) : "",
      visible: el.getClientRects().length > 0 && style.visibility !== "hidden" && style.display !== "none",
    };
  });
})(%q, %s)`
