package config

import "testing"

func TestResolveVerbosity(t *testing.T) {
	cases := []struct {
		name    string
		vCount  int
		quiet   bool
		want    Verbosity
	}{
		{"default", 0, false, VerbosityNormal},
		{"single-v", 1, false, VerbosityVerbose},
		{"double-v", 2, false, VerbosityDebug},
		{"quiet-wins-over-v", 3, true, VerbosityQuiet},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ResolveVerbosity(c.vCount, c.quiet); got != c.want {
				t.Errorf("ResolveVerbosity(%d, %v) = %v, want %v", c.vCount, c.quiet, got, c.want)
			}
		})
	}
}

func TestRequireBupDir_PrefersExplicitFlag(t *testing.T) {
	t.Setenv("BUP_DIR", "/env/path")
	got, err := RequireBupDir("/flag/path")
	if err != nil {
		t.Fatalf("RequireBupDir: %v", err)
	}
	if got != "/flag/path" {
		t.Errorf("RequireBupDir = %q, want /flag/path", got)
	}
}

func TestRequireBupDir_FallsBackToEnv(t *testing.T) {
	t.Setenv("BUP_DIR", "/env/path")
	got, err := RequireBupDir("")
	if err != nil {
		t.Fatalf("RequireBupDir: %v", err)
	}
	if got != "/env/path" {
		t.Errorf("RequireBupDir = %q, want /env/path", got)
	}
}

func TestRequireBupDir_ErrorsWithNeither(t *testing.T) {
	t.Setenv("BUP_DIR", "")
	if _, err := RequireBupDir(""); err == nil {
		t.Fatal("RequireBupDir with no flag and no env: want error, got nil")
	}
}

func TestReverseMode(t *testing.T) {
	t.Setenv("BUP_SERVER_REVERSE", "")
	if ReverseMode() {
		t.Error("ReverseMode() = true with unset env, want false")
	}
	t.Setenv("BUP_SERVER_REVERSE", "1")
	if !ReverseMode() {
		t.Error("ReverseMode() = false with BUP_SERVER_REVERSE=1, want true")
	}
}
