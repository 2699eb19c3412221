package crawler

// Hooks holds the handlers a BasicCrawler invokes at each lifecycle point,
// matching the registration-order, sequential-execution contract of
// spec §4.7.
type Hooks struct {
	PreNavigation  []Hook
	PostNavigation []Hook

	RequestHandler       RequestHandler
	FailedRequestHandler FailedRequestHandler
}

// AddPreNavigationHook appends a hook run before NavigationHandler.
func (h *Hooks) AddPreNavigationHook(hook Hook) {
	h.PreNavigation = append(h.PreNavigation, hook)
}

// AddPostNavigationHook appends a hook run after NavigationHandler,
// before the request handler.
func (h *Hooks) AddPostNavigationHook(hook Hook) {
	h.PostNavigation = append(h.PostNavigation, hook)
}
