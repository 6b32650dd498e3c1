package socketunit

import "testing"

func TestDefaultConfigValidateNeedsAListenDirective(t *testing.T) {
	cfg := DefaultConfig("empty.socket")

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate succeeded with no listen directives, want error")
	}
}

func TestValidateAcceptModeRequiresMaxConnections(t *testing.T) {
	cfg := DefaultConfig("accept.socket")
	cfg.ListenStream = []string{"127.0.0.1:0"}
	cfg.Accept = true
	cfg.MaxConnections = 0
	cfg.TemplatePrefix = "accept"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate succeeded with accept=true and max_connections=0, want error")
	}
}

func TestValidateAcceptModeRejectsNonConnectionOrientedPorts(t *testing.T) {
	cfg := DefaultConfig("accept.socket")
	cfg.ListenStream = []string{"127.0.0.1:0"}
	cfg.ListenDatagram = []string{"127.0.0.1:0"}
	cfg.Accept = true
	cfg.TemplatePrefix = "accept"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate succeeded mixing accept=true with a datagram port, want error")
	}
}

func TestValidateAcceptModeRejectsSharedService(t *testing.T) {
	cfg := DefaultConfig("accept.socket")
	cfg.ListenStream = []string{"127.0.0.1:0"}
	cfg.Accept = true
	cfg.TemplatePrefix = "accept"
	cfg.SharedService = "explicit.service"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate succeeded with accept=true and an explicit shared service, want error")
	}
}

func TestValidateAcceptModeRequiresTemplatePrefix(t *testing.T) {
	cfg := DefaultConfig("accept.socket")
	cfg.ListenStream = []string{"127.0.0.1:0"}
	cfg.Accept = true

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate succeeded with accept=true and no template prefix, want error")
	}
}

func TestValidateAcceptModeValid(t *testing.T) {
	cfg := DefaultConfig("accept.socket")
	cfg.ListenStream = []string{"127.0.0.1:0"}
	cfg.Accept = true
	cfg.TemplatePrefix = "accept"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed on a well-formed accept config: %v", err)
	}
}

func TestValidateNonAcceptValid(t *testing.T) {
	cfg := DefaultConfig("shared.socket")
	cfg.ListenStream = []string{"127.0.0.1:0"}
	cfg.SharedService = "shared.service"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed on a well-formed shared-service config: %v", err)
	}
}

func TestValidateRejectsZeroDirectoryMode(t *testing.T) {
	cfg := DefaultConfig("zero.socket")
	cfg.ListenStream = []string{"127.0.0.1:0"}
	cfg.DirectoryMode = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate succeeded with directory_mode=0, want error")
	}
}
