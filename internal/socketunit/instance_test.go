package socketunit

import (
	"fmt"
	"net"
	"os"
	"testing"
)

func TestEncodeInstanceUnixSocket(t *testing.T) {
	ln, err := net.Listen("unix", fmt.Sprintf("@unitd-test-%d", os.Getpid()))
	if err != nil {
		t.Skipf("abstract unix sockets unavailable: %v", err)
	}
	defer ln.Close()

	clientDone := make(chan error, 1)

	go func() {
		c, err := net.Dial("unix", ln.Addr().String())
		if err == nil {
			defer c.Close()
		}

		clientDone <- err
	}()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer conn.Close()

	if err := <-clientDone; err != nil {
		t.Fatalf("Dial: %v", err)
	}

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		t.Fatalf("accepted conn is %T, want *net.UnixConn", conn)
	}

	f, err := uc.File()
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	defer f.Close()

	instance, err := EncodeInstance(int(f.Fd()), 3)
	if err != nil {
		t.Fatalf("EncodeInstance: %v", err)
	}

	if instance[:2] != "3-" {
		t.Errorf("EncodeInstance = %q, want it to start with n_accepted prefix %q", instance, "3-")
	}
}

func TestIsDisconnectErrno(t *testing.T) {
	if isDisconnectErrno(fmt.Errorf("unrelated")) {
		t.Error("unrelated error reported as disconnect")
	}
}
