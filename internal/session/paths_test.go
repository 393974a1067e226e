package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBaseDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got, want := BaseDir(), filepath.Join(home, ".wppcrm"); got != want {
		t.Errorf("BaseDir() = %q, want %q", got, want)
	}
}

func TestDataDirPaths(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{SocketPath("/d"), "/d/crmd.sock"},
		{AppDBPath("/d"), "/d/crm.db"},
		{MediaDir("/d"), "/d/media"},
		{LogPath("/d"), "/d/logs/crmd.log"},
		{KeystoreRoot("/d"), "/d/sessions"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")
	if err := EnsureDir(dataDir); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{dataDir, LogDir(dataDir), KeystoreRoot(dataDir)} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
}

func TestResolveDataDirPrecedence(t *testing.T) {
	t.Setenv("WPPCRM_DATA_DIR", "/from-env")
	if got := ResolveDataDir("/from-flag"); got != "/from-flag" {
		t.Errorf("flag override = %q", got)
	}
	if got := ResolveDataDir(""); got != "/from-env" {
		t.Errorf("env override = %q", got)
	}
}
