package semver

import (
	"testing"
)

func TestParsePeerRef(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantName    string
		wantVersion string
		wantErr     bool
	}{
		{name: "no version", input: "recorder", wantName: "recorder"},
		{name: "major only", input: "recorder@1", wantName: "recorder", wantVersion: "1"},
		{name: "exact version", input: "recorder@1.4.0", wantName: "recorder", wantVersion: "1.4.0"},
		{name: "range", input: "recorder@^1.4.0", wantName: "recorder", wantVersion: "^1.4.0"},
		{name: "dotted name", input: " ide.bridge@2.0.0 ", wantName: "ide.bridge", wantVersion: "2.0.0"},
		{name: "empty", input: "", wantErr: true},
		{name: "leading digit", input: "1recorder@1.0.0", wantErr: true},
		{name: "only version", input: "@1.0.0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := ParsePeerRef(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("semver:parser_test - expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("semver:parser_test - unexpected error: %v", err)
			}
			if ref.Name != tt.wantName || ref.Version != tt.wantVersion {
				t.Errorf("semver:parser_test - got %s/%s, want %s/%s", ref.Name, ref.Version, tt.wantName, tt.wantVersion)
			}
		})
	}
}

func TestPeerRef_String(t *testing.T) {
	if s := (PeerRef{Name: "recorder"}).String(); s != "recorder" {
		t.Errorf("semver:parser_test - String() = %q", s)
	}
	if s := (PeerRef{Name: "recorder", Version: "1.2.0"}).String(); s != "recorder@1.2.0" {
		t.Errorf("semver:parser_test - String() = %q", s)
	}
}

func TestIsMajorOnly(t *testing.T) {
	for v, want := range map[string]bool{"3": true, "10": true, "3.2": false, "3.2.1": false, "^3": false, "": false} {
		if got := IsMajorOnly(v); got != want {
			t.Errorf("semver:parser_test - IsMajorOnly(%q) = %v, want %v", v, got, want)
		}
	}
}

func TestIsExactVersion(t *testing.T) {
	for v, want := range map[string]bool{"3.2.1": true, "v1.0.0": true, "1.0.0-beta.1": true, "3": false, "^1.0.0": false} {
		if got := IsExactVersion(v); got != want {
			t.Errorf("semver:parser_test - IsExactVersion(%q) = %v, want %v", v, got, want)
		}
	}
}
