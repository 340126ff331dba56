package main

import "testing"

func TestMatchLongestPrefix(t *testing.T) {
	table := newRouteTable("http://hub:8081")
	table.set("/user/mal/", "http://10.0.0.5:8888")
	table.set("/user/mal-backup/", "http://10.0.0.6:8888")

	tests := []struct {
		path string
		want string
	}{
		{"/user/mal/lab", "http://10.0.0.5:8888"},
		{"/user/mal/", "http://10.0.0.5:8888"},
		{"/user/mal-backup/files", "http://10.0.0.6:8888"},
		{"/user/zoe/", "http://hub:8081"},
		{"/hub/api/users", "http://hub:8081"},
		{"/", "http://hub:8081"},
	}
	for _, tt := range tests {
		if got := table.match(tt.path); got != tt.want {
			t.Errorf("match(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestMatchWithoutDefault(t *testing.T) {
	table := newRouteTable("")
	table.set("/user/kaylee/", "http://10.0.0.7:8888")

	if got := table.match("/user/wash/"); got != "" {
		t.Errorf("match without default = %q, want empty", got)
	}
	if got := table.match("/user/kaylee/tree"); got != "http://10.0.0.7:8888" {
		t.Errorf("match = %q", got)
	}
}

func TestDeleteReportsPresence(t *testing.T) {
	table := newRouteTable("")
	table.set("/user/zoe/", "http://10.0.0.8:8888")

	if !table.delete("/user/zoe/") {
		t.Fatal("delete of existing route should report true")
	}
	if table.delete("/user/zoe/") {
		t.Fatal("second delete should report false")
	}
}

func TestMatchUserPrefixBoundary(t *testing.T) {
	table := newRouteTable("")
	table.set("/user/mal/", "http://10.0.0.5:8888")

	// "/user/malcolm/..." must not leak into mal's server
	if got := table.match("/user/malcolm/lab"); got != "" {
		t.Errorf("prefix must match on path segments, got %q", got)
	}
}
