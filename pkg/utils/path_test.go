package utils

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestCleanRemotePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"a.txt", "/a.txt"},
		{"/dir/", "/dir"},
		{"//dir//sub", "/dir/sub"},
		{"/dir/./a", "/dir/a"},
		{"/dir/../a", "/a"},
		{"/../../etc", "/etc"},
	}

	for _, tt := range tests {
		if got := CleanRemotePath(tt.in); got != tt.want {
			t.Errorf("CleanRemotePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJoinAndSplitRemotePath(t *testing.T) {
	t.Parallel()

	if got := JoinRemotePath("/", "a.txt"); got != "/a.txt" {
		t.Errorf("JoinRemotePath(/, a.txt) = %q", got)
	}
	if got := JoinRemotePath("/d", "e"); got != "/d/e" {
		t.Errorf("JoinRemotePath(/d, e) = %q", got)
	}

	tests := []struct {
		in, dir, name string
	}{
		{"/", "/", ""},
		{"/a.txt", "/", "a.txt"},
		{"/d/e/f", "/d/e", "f"},
		{"d/e/", "/d", "e"},
	}
	for _, tt := range tests {
		dir, name := SplitRemotePath(tt.in)
		if dir != tt.dir || name != tt.name {
			t.Errorf("SplitRemotePath(%q) = (%q, %q), want (%q, %q)", tt.in, dir, name, tt.dir, tt.name)
		}
	}
}

func TestIsDescendant(t *testing.T) {
	t.Parallel()

	tests := []struct {
		p, ancestor string
		want        bool
	}{
		{"/d/e", "/d", true},
		{"/d/e/f", "/d", true},
		{"/d", "/d", false},
		{"/dd", "/d", false},
		{"/a", "/", true},
		{"/", "/", false},
	}

	for _, tt := range tests {
		if got := IsDescendant(tt.p, tt.ancestor); got != tt.want {
			t.Errorf("IsDescendant(%q, %q) = %v, want %v", tt.p, tt.ancestor, got, tt.want)
		}
	}
}

func TestRebasePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		p, oldBase, newBase, want string
	}{
		{"/a", "/a", "/b", "/b"},
		{"/a/x", "/a", "/b", "/b/x"},
		{"/a/x/y", "/a", "/c/d", "/c/d/x/y"},
	}

	for _, tt := range tests {
		if got := RebasePath(tt.p, tt.oldBase, tt.newBase); got != tt.want {
			t.Errorf("RebasePath(%q, %q, %q) = %q, want %q", tt.p, tt.oldBase, tt.newBase, got, tt.want)
		}
	}
}

func TestValidateName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"a.txt", "with space", ".hidden", "..."} {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}
	for _, name := range []string{"", ".", "..", "a/b", "nul\x00"} {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}

func TestSecureJoin(t *testing.T) {
	t.Parallel()

	base := t.TempDir()

	tests := []struct {
		name        string
		elements    []string
		wantErr     bool
		errContains string
	}{
		{name: "single element", elements: []string{"a.txt"}},
		{name: "nested", elements: []string{"d", "e", "f.txt"}},
		{name: "base itself", elements: []string{}},
		{name: "traversal", elements: []string{"..", "etc", "passwd"}, wantErr: true, errContains: "escapes"},
		{name: "traversal in middle", elements: []string{"d", "..", "..", "x"}, wantErr: true, errContains: "escapes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SecureJoin(base, tt.elements...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SecureJoin() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err, tt.errContains)
				}
				return
			}
			if got != filepath.Join(append([]string{base}, tt.elements...)...) {
				t.Errorf("SecureJoin() = %q", got)
			}
		})
	}

	if _, err := SecureJoin(""); err == nil {
		t.Error("empty base should be rejected")
	}
}
