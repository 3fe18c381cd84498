package domain

import "context"

// ObservedResponse is a network response seen by a browser session.
// Body is only populated for successful responses.
type ObservedResponse struct {
	URL    string
	Status int
	Body   []byte
}

// PageSetup reports how the working page was obtained.
type PageSetup struct {
	Reused      bool
	ClosedExtra int
}

// BrowserDriver attaches to a remote browser's debugging endpoint.
type BrowserDriver interface {
	Connect(ctx context.Context, endpoint string) (BrowserSession, error)
}

// BrowserSession is the capability set the verification pipeline needs from
// a remote browser: navigate, evaluate script in the page or in every frame,
// observe network responses, close.
type BrowserSession interface {
	// PreparePage selects the working page, reusing the first existing tab
	// and closing the others.
	PreparePage(ctx context.Context) (PageSetup, error)
	// ObserveResponses registers handler for every response whose URL
	// satisfies match. The handler may be called from another goroutine.
	ObserveResponses(match func(url string) bool, handler func(ObservedResponse))
	Navigate(ctx context.Context, url string) error
	// Evaluate runs script in the working page's main frame, awaiting
	// promises, and returns the result as a string.
	Evaluate(ctx context.Context, script string) (string, error)
	// EvaluateFrames runs script in every frame of the working page and
	// passes each string result to visit until visit returns false.
	EvaluateFrames(ctx context.Context, script string, visit func(result string) bool) error
	CurrentURL(ctx context.Context) (string, error)
	ClosePages(ctx context.Context) error
	Disconnect() error
}
