package capture

import (
	"context"
)

// Options tune a single capture without reconfiguring the capturer.
type Options struct {
	// Headers are added to every request the page makes.
	Headers map[string]string
	// MaskSelectors are CSS selectors whose elements are blacked out before
	// the screenshot, to keep dynamic regions out of visual comparisons.
	MaskSelectors []string
}

type Result struct {
	Screenshot []byte
	HTML       []byte
}

type Capturer interface {
	Capture(ctx context.Context, url string, options Options) (*Result, error)
}
