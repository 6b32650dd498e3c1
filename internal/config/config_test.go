package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreunitd/unitd/internal/socketunit"
)

func writeUnitFile(t *testing.T, contents string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "test.socket.yaml")

	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return path
}

func TestLoadFileAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeUnitFile(t, `
identity: echo.socket
listen_stream:
  - 127.0.0.1:0
service: echo.service
timeout: 30s
kill_mode: mixed
exec_start_pre:
  - "-/bin/true --flag"
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Identity != "echo.socket" {
		t.Errorf("Identity = %q, want echo.socket", cfg.Identity)
	}

	if len(cfg.ListenStream) != 1 || cfg.ListenStream[0] != "127.0.0.1:0" {
		t.Errorf("ListenStream = %v, want [127.0.0.1:0]", cfg.ListenStream)
	}

	if cfg.SharedService != "echo.service" {
		t.Errorf("SharedService = %q, want echo.service", cfg.SharedService)
	}

	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}

	if cfg.KillMode != socketunit.KillMixed {
		t.Errorf("KillMode = %v, want mixed", cfg.KillMode)
	}

	if len(cfg.StartPre) != 1 {
		t.Fatalf("StartPre = %v, want one command", cfg.StartPre)
	}

	if !cfg.StartPre[0].IgnoreErr {
		t.Error("expected the '-' prefixed command to set IgnoreErr")
	}

	if cfg.StartPre[0].Path != "/bin/true" {
		t.Errorf("StartPre[0].Path = %q, want /bin/true", cfg.StartPre[0].Path)
	}

	if cfg.DirectoryMode == 0 {
		t.Error("DirectoryMode should keep its default when unset in the file")
	}
}

func TestLoadFileInvalidTimeout(t *testing.T) {
	path := writeUnitFile(t, `
identity: bad.socket
listen_stream:
  - 127.0.0.1:0
service: bad.service
timeout: not-a-duration
`)

	if _, err := LoadFile(path); err == nil {
		t.Fatal("LoadFile succeeded with an invalid timeout, want error")
	}
}

func TestLoadFileMissingFile(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatal("LoadFile succeeded on a missing file, want error")
	}
}

func TestParseCommandsSkipsBlankLines(t *testing.T) {
	cmds := parseCommands([]string{"", "  ", "/bin/echo hi there"})

	if len(cmds) != 1 {
		t.Fatalf("parseCommands = %+v, want one command", cmds)
	}

	if cmds[0].Path != "/bin/echo" || len(cmds[0].Argv) != 3 {
		t.Errorf("parseCommands[0] = %+v, want /bin/echo with 3 argv entries", cmds[0])
	}
}
