package logging

import "testing"

func TestNewLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error", ""} {
		l, err := New(Config{Level: lvl})
		if err != nil {
			t.Fatalf("New(%q): %v", lvl, err)
		}
		if l == nil {
			t.Fatalf("New(%q) returned nil logger", lvl)
		}
	}
}

func TestSetGlobal(t *testing.T) {
	orig := Global()
	defer SetGlobal(orig)

	l, err := New(Config{Level: "debug"})
	if err != nil {
		t.Fatal(err)
	}
	SetGlobal(l)
	if Global() != l {
		t.Error("SetGlobal did not replace the global logger")
	}
}

func TestNewWithFile(t *testing.T) {
	l, err := New(Config{Level: "info", File: t.TempDir() + "/gw.log"})
	if err != nil {
		t.Fatalf("New with file: %v", err)
	}
	l.Info("rotated sink smoke test")
	l.Sync()
}
