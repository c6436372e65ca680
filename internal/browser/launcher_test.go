package browser

import (
	"context"
	"net"
	"slices"
	"testing"
)

func TestArgs(t *testing.T) {
	l := NewLauncher(Config{CDPAddress: "127.0.0.1", CDPPort: 9333, ProfileDir: "/tmp/p", Headless: true})
	args := l.Args()

	for _, want := range []string{
		"--remote-debugging-port=9333",
		"--remote-debugging-address=127.0.0.1",
		"--user-data-dir=/tmp/p",
		"--window-size=1280,800",
		"--headless=new",
	} {
		if !slices.Contains(args, want) {
			t.Fatalf("Args() = %v; want to contain %q", args, want)
		}
	}
	if got := args[len(args)-1]; got != "about:blank" {
		t.Fatalf("last arg = %q; want about:blank", got)
	}
}

func TestArgsHeaded(t *testing.T) {
	l := NewLauncher(Config{CDPAddress: "127.0.0.1", CDPPort: 9333, Width: 1024, Height: 768})
	args := l.Args()
	if slices.Contains(args, "--headless=new") {
		t.Fatalf("Args() = %v; want no headless flag", args)
	}
	if !slices.Contains(args, "--window-size=1024,768") {
		t.Fatalf("Args() = %v; want window size 1024,768", args)
	}
}

func TestLaunchSkipsWhenPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	l := NewLauncher(Config{CDPAddress: "127.0.0.1", CDPPort: port})
	if err := l.Launch(context.Background()); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if l.Running() {
		t.Fatal("Running() = true; want false when the port is already served")
	}
}
