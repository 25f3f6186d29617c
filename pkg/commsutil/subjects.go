package commsutil

import (
	"fmt"
	"strings"

	"github.com/sagibrant/mimic/pkg/rtid"
)

// Default COMMS subjects.
const (
	DefaultPrefix         = "mimic"
	SubjectAgent          = "mimic.agent"
	SubjectRoutingChanged = "mimic.routing.changed"
	SubjectContentHello   = "mimic.content.hello"
)

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// Token makes s safe to use as a single subject token.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

// BuildPeerSubject is the subject an external peer listens on.
func BuildPeerSubject(prefix, name string) string {
	return fmt.Sprintf("%s.peer.%s", prefix, Token(name))
}

// BuildPipeSubject is one direction of a NATS pipe; side is "a" or "b".
func BuildPipeSubject(prefix, pipeID, side string) string {
	return fmt.Sprintf("%s.pipe.%s.%s", prefix, Token(pipeID), side)
}

// BuildPingSubject answers liveness probes for one side of a pipe.
func BuildPingSubject(prefix, pipeID, side string) string {
	return BuildPipeSubject(prefix, pipeID, side) + ".ping"
}

// BuildContentHelloSubject is where content peers announce themselves.
func BuildContentHelloSubject(prefix string) string {
	return prefix + ".content.hello"
}

// BuildRoutingChangeSubject builds a granular routing change subject.
func BuildRoutingChangeSubject(base string, c rtid.Context, clientID string) string {
	return fmt.Sprintf("%s.%s.%s", base, Token(string(c)), Token(clientID))
}
