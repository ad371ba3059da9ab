package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "config", "version"} {
		found := false
		for _, cmd := range root.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected root command to include %s", name)
		}
	}
}

func TestVersionCmdPrintsModule(t *testing.T) {
	cmd := newVersionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "director4") {
		t.Fatalf("unexpected version output: %q", out.String())
	}
}

func TestConfigInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	root := newRootCmd()
	root.SetArgs([]string{"config", "init", "-o", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}
	root = newRootCmd()
	root.SetArgs([]string{"config", "init", "-o", path})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error when config exists")
	}
}
