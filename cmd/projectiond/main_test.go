package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestRootCommandRejectsMissingConfig(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	err := cmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected config read error but got %v", err)
	}
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCommand()
	if f := cmd.Flags().ShorthandLookup("c"); f == nil || f.Name != "config" {
		t.Errorf("Expected -c to alias --config but got %v", f)
	}
	cmd.SetArgs([]string{"extra"})
	if err := cmd.ExecuteContext(context.Background()); err == nil {
		t.Error("Expected positional arguments to be rejected")
	}
}
