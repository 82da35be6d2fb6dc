package pathutil

import (
	"path/filepath"
	"testing"
)

func TestWithin(t *testing.T) {
	tests := []struct {
		name   string
		parent string
		child  string
		want   bool
	}{
		{"same path", "/data/work", "/data/work", true},
		{"direct child", "/data/work", "/data/work/s1", true},
		{"nested child", "/data/work", "/data/work/s1/repo/src", true},
		{"unclean child", "/data/work", "/data/work/s1/../s2", true},
		{"sibling", "/data/work", "/data/other", false},
		{"parent of parent", "/data/work", "/data", false},
		{"prefix but not dir", "/data/work", "/data/workspace", false},
		{"root child of other tree", "/data/work", "/tmp/x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Within(tt.parent, tt.child); got != tt.want {
				t.Errorf("Within(%q, %q) = %v, want %v", tt.parent, tt.child, got, tt.want)
			}
		})
	}
}

func TestIsFilesystemRoot(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/", true},
		{"///", true},
		{"/data", false},
		{"/data/..", true},
		{"relative", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := IsFilesystemRoot(tt.path); got != tt.want {
				t.Errorf("IsFilesystemRoot(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/tester")

	got, err := ExpandHome("~/burrow/data")
	if err != nil {
		t.Fatalf("ExpandHome() error = %v", err)
	}
	want := filepath.Join("/home/tester", "burrow", "data")
	if got != want {
		t.Errorf("ExpandHome() = %q, want %q", got, want)
	}

	got, err = ExpandHome("~")
	if err != nil {
		t.Fatalf("ExpandHome() error = %v", err)
	}
	if got != "/home/tester" {
		t.Errorf("ExpandHome(~) = %q, want /home/tester", got)
	}

	got, err = ExpandHome("/already/abs")
	if err != nil {
		t.Fatalf("ExpandHome() error = %v", err)
	}
	if got != "/already/abs" {
		t.Errorf("ExpandHome(abs) = %q, want unchanged", got)
	}
}
