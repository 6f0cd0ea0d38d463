package proxyconf

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIsManagedEntry(t *testing.T) {
	tests := []struct {
		line     string
		hostname string
		want     bool
	}{
		{"127.0.0.1\tapp.example.com # burrow-proxy", "app.example.com", true},
		{"127.0.0.1\tapp.example.com", "app.example.com", false},
		{"127.0.0.1\tother.example.com # burrow-proxy", "app.example.com", false},
		{"127.0.0.1\tlocalhost", "localhost", false},
		{"# burrow-proxy comment without a host", "app.example.com", false},
	}
	for _, tt := range tests {
		if got := isManagedEntry(tt.line, tt.hostname); got != tt.want {
			t.Errorf("isManagedEntry(%q, %q) = %v, want %v", tt.line, tt.hostname, got, tt.want)
		}
	}
}

func TestRemoveHostsEntry_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	if err := removeHostsEntry(path, "app.example.com"); err != nil {
		t.Errorf("missing hosts file must not be an error: %v", err)
	}
}

func TestUpsertThenRemoveHostsEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	original := "127.0.0.1\tlocalhost\n::1\tlocalhost\n"
	if err := os.WriteFile(path, []byte(original), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := upsertHostsEntry(path, "app.example.com"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := removeHostsEntry(path, "app.example.com"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != original {
		t.Errorf("hosts file not restored:\n%q\nwant:\n%q", data, original)
	}
}

func TestUpsertHostsEntry_TwoManagedHosts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	if err := os.WriteFile(path, []byte("127.0.0.1\tlocalhost\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := upsertHostsEntry(path, "a.example.com"); err != nil {
		t.Fatal(err)
	}
	if err := upsertHostsEntry(path, "b.example.com"); err != nil {
		t.Fatal(err)
	}
	if err := removeHostsEntry(path, "a.example.com"); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "a.example.com") {
		t.Error("removed host still present")
	}
	if !strings.Contains(string(data), "b.example.com") {
		t.Error("unrelated managed host was removed")
	}
}
