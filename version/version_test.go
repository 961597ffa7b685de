package version

import "testing"

func TestEqualByCommit(t *testing.T) {
	a := Info{GitCommit: "abc123"}
	b := Info{GitCommit: "abc123"}
	c := Info{GitCommit: "def456"}

	if !a.Equal(b) {
		t.Error("same commit should compare equal")
	}
	if a.Equal(c) {
		t.Error("different commits should not compare equal")
	}
}

func TestGetIncludesBuildInfo(t *testing.T) {
	info := Get()
	if info.BuildInfo == nil {
		t.Skip("no build info in this environment")
	}
	if !info.Equal(Get()) {
		t.Error("a build should equal itself")
	}
}
