package commsutil

import (
	"testing"

	"github.com/sagibrant/mimic/pkg/rtid"
)

func TestBuildPeerSubject(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		peer   string
		want   string
	}{
		{"simple", "mimic", "recorder", "mimic.peer.recorder"},
		{"dotted name", "mimic", "acme.runner", "mimic.peer.acme_runner"},
		{"wildcards", "mimic", "a*b>c", "mimic.peer.a_b_c"},
		{"empty", "mimic", "", "mimic.peer._"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildPeerSubject(tt.prefix, tt.peer); got != tt.want {
				t.Errorf("BuildPeerSubject(%q, %q) = %q, want %q", tt.prefix, tt.peer, got, tt.want)
			}
		})
	}
}

func TestBuildPipeSubjects(t *testing.T) {
	if got := BuildPipeSubject("mimic", "tab.3", "a"); got != "mimic.pipe.tab_3.a" {
		t.Errorf("commsutil:subjects_test - BuildPipeSubject = %q", got)
	}
	if got := BuildPingSubject("mimic", "p1", "b"); got != "mimic.pipe.p1.b.ping" {
		t.Errorf("commsutil:subjects_test - BuildPingSubject = %q", got)
	}
}

func TestBuildContentHelloSubject(t *testing.T) {
	if got := BuildContentHelloSubject(DefaultPrefix); got != SubjectContentHello {
		t.Errorf("commsutil:subjects_test - BuildContentHelloSubject = %q, want %q", got, SubjectContentHello)
	}
	if got := BuildContentHelloSubject("acme"); got != "acme.content.hello" {
		t.Errorf("commsutil:subjects_test - BuildContentHelloSubject(acme) = %q", got)
	}
}

func TestBuildRoutingChangeSubject(t *testing.T) {
	got := BuildRoutingChangeSubject(SubjectRoutingChanged, rtid.ContextExternal, "abc")
	if got != "mimic.routing.changed.external.abc" {
		t.Errorf("commsutil:subjects_test - BuildRoutingChangeSubject = %q", got)
	}
}
