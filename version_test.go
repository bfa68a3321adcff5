package usekit

import (
	"strings"
	"testing"
)

func TestGetVersion(t *testing.T) {
	v := GetVersion()
	if !strings.HasPrefix(v, "usekit v"+Version) {
		t.Errorf("GetVersion() = %q, want prefix %q", v, "usekit v"+Version)
	}
	if strings.Contains(v, "vv") {
		t.Errorf("GetVersion() = %q has a doubled v", v)
	}
}

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	for _, key := range []string{"version", "commit", "build_date", "go_version"} {
		if info[key] == "" {
			t.Errorf("GetVersionInfo()[%q] is empty", key)
		}
	}
}

func TestUserAgent(t *testing.T) {
	if got := UserAgent(); got != "usekit/"+Version {
		t.Errorf("UserAgent() = %q", got)
	}
}
