package driver_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/compose-network/scenario-harness/internal/driver"
	"github.com/compose-network/scenario-harness/internal/driver/drivertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appURL = "http://wallet.test/home.html"

func newDriver(t *testing.T) (*driver.Driver, *drivertest.Browser) {
	t.Helper()

	browser := drivertest.New()
	d := driver.New(browser, driver.Config{
		ElementTimeout: time.Second,
		PollInterval:   10 * time.Millisecond,
		ProbeTimeout:   100 * time.Millisecond,
	}, appURL)
	t.Cleanup(func() { _ = d.Quit(context.Background()) })

	return d, browser
}

func TestWaitForSelector_FailsWithinBound(t *testing.T) {
	d, _ := newDriver(t)
	const bound = 200 * time.Millisecond

	start := time.Now()
	_, err := d.WaitForSelector(context.Background(), driver.CSS(".never"), driver.Timeout(bound))
	elapsed := time.Since(start)

	require.ErrorIs(t, err, driver.ErrTimeout)
	assert.NotErrorIs(t, err, driver.ErrElementNotFound)
	assert.GreaterOrEqual(t, elapsed, bound)
	assert.Less(t, elapsed, bound+500*time.Millisecond)

	var locErr *driver.LocatorError
	require.ErrorAs(t, err, &locErr)
	assert.Equal(t, driver.CSS(".never"), locErr.Locator)
	assert.Equal(t, bound, locErr.Timeout)
}

func TestWaitForSelector_States(t *testing.T) {
	ctx := context.Background()
	d, browser := newDriver(t)

	browser.AddAfter(50*time.Millisecond, drivertest.Node{Selectors: []string{".spinner"}, Text: "Loading", Visible: false})

	el, err := d.WaitForSelector(ctx, driver.CSS(".spinner"), driver.State(driver.StatePresent))
	require.NoError(t, err)
	assert.Equal(t, "Loading", el.Text())

	_, err = d.WaitForSelector(ctx, driver.CSS(".spinner"), driver.State(driver.StateHidden))
	require.NoError(t, err)

	_, err = d.WaitForSelector(ctx, driver.CSS(".spinner"), driver.Timeout(50*time.Millisecond))
	require.ErrorIs(t, err, driver.ErrTimeout)

	browser.Remove(".spinner")
	el, err = d.WaitForSelector(ctx, driver.CSS(".spinner"), driver.State(driver.StateDetached))
	require.NoError(t, err)
	assert.Nil(t, el)
}

func TestFindElement_WaitsForLateElements(t *testing.T) {
	d, browser := newDriver(t)
	browser.AddAfter(100*time.Millisecond, drivertest.Node{Tag: "button", Text: "Import", Visible: true})

	el, err := d.FindElement(context.Background(), driver.Locator{Text: "Import", Tag: "button"})
	require.NoError(t, err)
	assert.Equal(t, "button", el.Tag())
}

func TestFindElement_NotFound(t *testing.T) {
	d, _ := newDriver(t)

	_, err := d.FindElement(context.Background(), driver.XPath("//missing"), driver.Timeout(50*time.Millisecond))
	require.ErrorIs(t, err, driver.ErrElementNotFound)
	assert.NotErrorIs(t, err, driver.ErrTimeout)
	assert.Contains(t, err.Error(), `xpath="//missing"`)
}

func TestFindVisibleElement_HiddenIsDistinct(t *testing.T) {
	d, browser := newDriver(t)
	browser.Add(drivertest.Node{Selectors: []string{"#modal"}, Visible: false})

	_, err := d.FindVisibleElement(context.Background(), driver.CSS("#modal"), driver.Timeout(50*time.Millisecond))
	require.ErrorIs(t, err, driver.ErrElementNotVisible)
}

func TestFindElements(t *testing.T) {
	ctx := context.Background()
	d, browser := newDriver(t)
	browser.Add(drivertest.Node{Selectors: []string{".token"}, Text: "TST", Visible: true})
	browser.Add(drivertest.Node{Selectors: []string{".token"}, Text: "ETH", Visible: true})

	elements, err := d.FindElements(ctx, driver.CSS(".token"))
	require.NoError(t, err)
	require.Len(t, elements, 2)
	assert.Equal(t, "ETH", elements[1].Text())

	elements, err = d.FindElements(ctx, driver.CSS(".nft"), driver.Timeout(30*time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, elements)
}

func TestIsElementPresent_NeverErrors(t *testing.T) {
	ctx := context.Background()
	d, browser := newDriver(t)
	browser.Add(drivertest.Node{Selectors: []string{".warning"}, Visible: true})

	assert.True(t, d.IsElementPresent(ctx, driver.CSS(".warning")))
	assert.False(t, d.IsElementPresent(ctx, driver.CSS(".error")))
	assert.False(t, d.IsElementPresent(ctx, driver.Locator{}))

	browser.FailQueries(errors.New("target crashed"))
	assert.False(t, d.IsElementPresent(ctx, driver.CSS(".warning")))
}

func TestAssertElementNotPresent(t *testing.T) {
	ctx := context.Background()
	d, browser := newDriver(t)
	browser.Add(drivertest.Node{Selectors: []string{".toast"}, Visible: true})

	err := d.AssertElementNotPresent(ctx, driver.CSS(".toast"))
	require.ErrorIs(t, err, driver.ErrElementPresent)

	time.AfterFunc(20*time.Millisecond, func() { browser.Remove(".toast") })
	assert.NoError(t, d.AssertElementNotPresent(ctx, driver.CSS(".toast"), driver.Timeout(time.Second)))
}

func TestClickAndFill(t *testing.T) {
	ctx := context.Background()
	d, browser := newDriver(t)

	clicked := make(chan struct{}, 1)
	browser.Add(drivertest.Node{Selectors: []string{"#token-id"}, Tag: "input", Visible: true})
	browser.Add(drivertest.Node{
		Tag:     "button",
		Text:    "Add",
		Visible: true,
		OnClick: func(b *drivertest.Browser) { clicked <- struct{}{} },
	})

	require.NoError(t, d.Fill(ctx, driver.CSS("#token-id"), "1"))
	assert.Equal(t, "1", browser.ValueOf("#token-id"))

	require.NoError(t, d.ClickElement(ctx, driver.Locator{Text: "Add", Tag: "button"}))
	select {
	case <-clicked:
	default:
		t.Fatal("click handler did not run")
	}
}

func TestElement_IsDisplayed(t *testing.T) {
	ctx := context.Background()
	d, browser := newDriver(t)
	browser.Add(drivertest.Node{Selectors: []string{".banner"}, Visible: true})

	el, err := d.FindVisibleElement(ctx, driver.CSS(".banner"))
	require.NoError(t, err)

	displayed, err := el.IsDisplayed(ctx)
	require.NoError(t, err)
	assert.True(t, displayed)

	browser.Remove(".banner")
	displayed, err = el.IsDisplayed(ctx)
	require.NoError(t, err)
	assert.False(t, displayed)
}

func TestNavigate_DefaultsToApp(t *testing.T) {
	ctx := context.Background()
	d, browser := newDriver(t)

	require.NoError(t, d.Navigate(ctx, ""))
	require.NoError(t, d.Navigate(ctx, "http://127.0.0.1:8080"))

	assert.Equal(t, []string{appURL, "http://127.0.0.1:8080"}, browser.History())
}

func TestQuit_Idempotent(t *testing.T) {
	ctx := context.Background()
	d, browser := newDriver(t)

	require.NoError(t, d.Quit(ctx))
	require.NoError(t, d.Quit(ctx))
	assert.True(t, browser.Closed())

	_, err := d.FindElement(ctx, driver.CSS("body"))
	assert.ErrorIs(t, err, driver.ErrQuit)
	_, err = d.Screenshot(ctx)
	assert.ErrorIs(t, err, driver.ErrQuit)
	assert.ErrorIs(t, d.Navigate(ctx, ""), driver.ErrQuit)
}

func TestWait_CallerCancellation(t *testing.T) {
	d, _ := newDriver(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	start := time.Now()
	_, err := d.WaitForSelector(ctx, driver.CSS(".never"), driver.Timeout(5*time.Second))
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

// hangingBrowser accepts queries but never finishes a navigation, click or fill on its own.
type hangingBrowser struct {
	*drivertest.Browser
}

func (b hangingBrowser) Navigate(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b hangingBrowser) Click(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b hangingBrowser) Fill(ctx context.Context, _, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestActions_BoundedWhenBrowserHangs(t *testing.T) {
	const bound = 200 * time.Millisecond

	browser := hangingBrowser{Browser: drivertest.New()}
	browser.Add(drivertest.Node{Selectors: []string{"#send"}, Tag: "button", Visible: true})
	browser.Add(drivertest.Node{Selectors: []string{"#address"}, Tag: "input", Visible: true})

	d := driver.New(browser, driver.Config{
		ElementTimeout: bound,
		PollInterval:   10 * time.Millisecond,
		ProbeTimeout:   100 * time.Millisecond,
	}, appURL)
	t.Cleanup(func() { _ = d.Quit(context.Background()) })

	ctx := context.Background()
	actions := map[string]func() error{
		"navigate": func() error { return d.Navigate(ctx, "") },
		"click":    func() error { return d.ClickElement(ctx, driver.CSS("#send")) },
		"fill":     func() error { return d.Fill(ctx, driver.CSS("#address"), "0x0") },
	}

	for name, action := range actions {
		t.Run(name, func(t *testing.T) {
			start := time.Now()
			err := action()
			elapsed := time.Since(start)

			require.ErrorIs(t, err, driver.ErrTimeout)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			assert.Less(t, elapsed, bound+time.Second)

			if name == "navigate" {
				return
			}
			var locErr *driver.LocatorError
			require.ErrorAs(t, err, &locErr)
			assert.Equal(t, name, locErr.Op)
			assert.Equal(t, bound, locErr.Timeout)
		})
	}
}

func TestActions_TimeoutOptionOverridesActionBound(t *testing.T) {
	browser := hangingBrowser{Browser: drivertest.New()}
	browser.Add(drivertest.Node{Selectors: []string{"#send"}, Tag: "button", Visible: true})

	d := driver.New(browser, driver.Config{
		ElementTimeout: time.Second,
		PollInterval:   10 * time.Millisecond,
		ProbeTimeout:   100 * time.Millisecond,
		ActionTimeout:  10 * time.Second,
	}, appURL)
	t.Cleanup(func() { _ = d.Quit(context.Background()) })

	const bound = 150 * time.Millisecond
	start := time.Now()
	err := d.ClickElement(context.Background(), driver.CSS("#send"), driver.Timeout(bound))
	require.ErrorIs(t, err, driver.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	var locErr *driver.LocatorError
	require.ErrorAs(t, err, &locErr)
	assert.Equal(t, bound, locErr.Timeout)
}

func TestActions_CallerCancellationIsNotTimeout(t *testing.T) {
	d := driver.New(hangingBrowser{Browser: drivertest.New()}, driver.Config{
		ElementTimeout: 5 * time.Second,
		PollInterval:   10 * time.Millisecond,
		ProbeTimeout:   100 * time.Millisecond,
	}, appURL)
	t.Cleanup(func() { _ = d.Quit(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	err := d.Navigate(ctx, "")
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, driver.ErrTimeout)
}
