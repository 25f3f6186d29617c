// Package rtid defines the routing identifier attached to every message.
package rtid

import (
	"encoding/json"
	"fmt"
)

// Context names the isolated execution environment a destination lives in.
type Context string

// Known contexts. An empty Context means "infer from the scoping fields".
const (
	ContextMain       Context = "MAIN"
	ContextContent    Context = "content"
	ContextBackground Context = "background"
	ContextExternal   Context = "external"
)

// Valid reports whether c is empty or one of the known contexts.
func (c Context) Valid() bool {
	switch c {
	case "", ContextMain, ContextContent, ContextBackground, ContextExternal:
		return true
	}
	return false
}

// Unscoped is the value of a numeric field that means "unscoped/current".
const Unscoped = -1

// Rtid identifies a destination context or object.
type Rtid struct {
	Context  Context `json:"context,omitempty"`
	External string  `json:"external,omitempty"`
	Browser  int     `json:"browser"`
	Window   int     `json:"window"`
	Tab      int     `json:"tab"`
	Frame    int     `json:"frame"`
	Object   int     `json:"object"`
}

// New returns the all-unscoped address.
func New() Rtid {
	return Rtid{
		Browser: Unscoped,
		Window:  Unscoped,
		Tab:     Unscoped,
		Frame:   Unscoped,
		Object:  Unscoped,
	}
}

// Agent returns the address of the agent itself.
func Agent() Rtid {
	return New()
}

// ForTab addresses a tab object.
func ForTab(tab int) Rtid {
	r := New()
	r.Tab = tab
	return r
}

// ForFrame addresses a frame inside a tab.
func ForFrame(tab, frame int) Rtid {
	r := New()
	r.Tab = tab
	r.Frame = frame
	return r
}

// ForExternal addresses a named external peer.
func ForExternal(name string) Rtid {
	r := New()
	r.Context = ContextExternal
	r.External = name
	return r
}

// WithContext returns a copy of r with an explicit context.
func (r Rtid) WithContext(c Context) Rtid {
	r.Context = c
	return r
}

// WithObject returns a copy of r scoped to an object.
func (r Rtid) WithObject(object int) Rtid {
	r.Object = object
	return r
}

// UnmarshalJSON fills omitted numeric fields with Unscoped.
func (r *Rtid) UnmarshalJSON(data []byte) error {
	type plain Rtid
	p := plain(New())
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Rtid(p)
	return nil
}

// Equal compares every field, except Window is only compared when both
// addresses are window-level (Tab == -1).
func Equal(a, b Rtid) bool {
	if a.Context != b.Context || a.External != b.External {
		return false
	}
	if a.Browser != b.Browser || a.Tab != b.Tab || a.Frame != b.Frame || a.Object != b.Object {
		return false
	}
	if a.Tab == Unscoped && a.Window != b.Window {
		return false
	}
	return true
}

// Equal is the method form of Equal.
func (r Rtid) Equal(o Rtid) bool {
	return Equal(r, o)
}

// Canonical drops an explicit Context that only restates the context
// ContextOf would infer from the scoping fields.
func Canonical(r Rtid) Rtid {
	if r.Context == "" {
		return r
	}
	inferred := r
	inferred.Context = ""
	if ContextOf(inferred) == r.Context {
		return inferred
	}
	return r
}

// Same compares canonical forms, so {context: background} and the bare
// agent address name the same target.
func Same(a, b Rtid) bool {
	return Equal(Canonical(a), Canonical(b))
}

// IsAgent reports whether r addresses the background agent. An unscoped
// MAIN or content address is the agent of that context, not this one.
func IsAgent(r Rtid) bool {
	return KindOf(r) == KindAgent && (r.Context == "" || r.Context == ContextBackground)
}

func (r Rtid) String() string {
	if r.External != "" {
		return fmt.Sprintf("external:%s", r.External)
	}
	s := fmt.Sprintf("b%d/w%d/t%d/f%d/o%d", r.Browser, r.Window, r.Tab, r.Frame, r.Object)
	if r.Context != "" {
		s = string(r.Context) + ":" + s
	}
	return s
}
