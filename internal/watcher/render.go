package watcher

import (
	"context"

	"github.com/chromedp/chromedp"
)

// NewChromeRenderer returns a RenderFunc that navigates a headless browser
// to the URL and returns the rendered outer HTML. Used for agency portals
// that build their listings with JavaScript.
func NewChromeRenderer(userAgent string) RenderFunc {
	return func(ctx context.Context, url string) ([]byte, error) {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.UserAgent(userAgent),
		)
		actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
		defer cancelAlloc()
		bctx, cancelBrowser := chromedp.NewContext(actx)
		defer cancelBrowser()

		var html string
		err := chromedp.Run(bctx,
			chromedp.Navigate(url),
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		)
		if err != nil {
			return nil, err
		}
		return []byte(html), nil
	}
}
