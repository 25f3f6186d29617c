package channel

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/sagibrant/mimic/pkg/rtid"
)

// clientNamespace scopes deterministic client ids.
var clientNamespace = uuid.MustParse("5f0c6a4e-3b1d-4f7a-9a39-6b7c1e2d8f10")

// ClientInfo describes a connected peer.
type ClientInfo struct {
	ID   string       `json:"id"`
	Type rtid.Context `json:"type"`
	// Tab and Frame locate content and MAIN peers; -1 otherwise.
	Tab   int `json:"tab"`
	Frame int `json:"frame"`
	// Name is the external peer name.
	Name        string            `json:"name,omitempty"`
	Version     string            `json:"version,omitempty"`
	Reconnected bool              `json:"reconnected,omitempty"`
	Info        map[string]string `json:"info,omitempty"`
}

// ClientID derives a stable id from a transport identity string, so a peer
// that restarts and presents the same identity keeps its id.
func ClientID(identity string) string {
	return uuid.NewSHA1(clientNamespace, []byte(identity)).String()
}

// FrameIdentity is the transport identity of a content or MAIN peer.
func FrameIdentity(c rtid.Context, tab, frame int) string {
	return fmt.Sprintf("%s/tab-%d/frame-%d", c, tab, frame)
}

// ExternalIdentity is the transport identity of a named external peer.
func ExternalIdentity(name string) string {
	return "external/" + name
}

// NewFrameClient builds the ClientInfo of a content or MAIN peer.
func NewFrameClient(c rtid.Context, tab, frame int) ClientInfo {
	return ClientInfo{
		ID:    ClientID(FrameIdentity(c, tab, frame)),
		Type:  c,
		Tab:   tab,
		Frame: frame,
	}
}

// NewExternalClient builds the ClientInfo of a named external peer.
func NewExternalClient(name, version string) ClientInfo {
	return ClientInfo{
		ID:      ClientID(ExternalIdentity(name)),
		Type:    rtid.ContextExternal,
		Tab:     rtid.Unscoped,
		Frame:   rtid.Unscoped,
		Name:    name,
		Version: version,
	}
}

// NewBackgroundClient describes the background agent as seen by its peers.
func NewBackgroundClient(name string) ClientInfo {
	return ClientInfo{
		ID:    ClientID("background/" + name),
		Type:  rtid.ContextBackground,
		Tab:   rtid.Unscoped,
		Frame: rtid.Unscoped,
		Name:  name,
	}
}

// Label is a short human-readable name for logs and channel names.
func (c ClientInfo) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return FrameIdentity(c.Type, c.Tab, c.Frame)
}
