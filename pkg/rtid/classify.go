package rtid

// Kind is the granularity of the object an address points at.
type Kind string

const (
	KindAgent    Kind = "agent"
	KindBrowser  Kind = "browser"
	KindWindow   Kind = "window"
	KindTab      Kind = "tab"
	KindFrame    Kind = "frame"
	KindObject   Kind = "object"
	KindExternal Kind = "external"
)

// KindOf classifies an address by its most specific scoping field.
func KindOf(r Rtid) Kind {
	switch {
	case r.External != "" || r.Context == ContextExternal:
		return KindExternal
	case r.Object != Unscoped:
		return KindObject
	case r.Frame != Unscoped:
		return KindFrame
	case r.Tab != Unscoped:
		return KindTab
	case r.Window != Unscoped:
		return KindWindow
	case r.Browser != Unscoped:
		return KindBrowser
	}
	return KindAgent
}

// ContextOf decides which execution context serves r. An explicit Context
// wins; otherwise external names go to external peers, frame-scoped
// addresses to the content script of that frame, and everything else
// (agent, browser, window, tab) to the background.
func ContextOf(r Rtid) Context {
	if r.Context != "" {
		return r.Context
	}
	if r.External != "" {
		return ContextExternal
	}
	if r.Frame != Unscoped {
		return ContextContent
	}
	return ContextBackground
}
