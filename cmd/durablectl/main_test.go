package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func ctl(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), append([]string{"-config", configPath}, args...), &stdout, &stderr)
	return stdout.String(), err
}

func fileConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "durable.yaml")
	content := "backend:\n  kind: file\n  file:\n    dir: " + filepath.Join(dir, "data") + "\nlog:\n  level: error\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestCommandsPersistAcrossRuns(t *testing.T) {
	cfg := fileConfig(t)

	if _, err := ctl(t, cfg, "users", "set", "alice", "admin"); err != nil {
		t.Fatalf("set error = %v", err)
	}
	if _, err := ctl(t, cfg, "users", "add", "bob", "viewer"); err != nil {
		t.Fatalf("add error = %v", err)
	}
	out, err := ctl(t, cfg, "users", "get", "alice")
	if err != nil {
		t.Fatalf("get error = %v", err)
	}
	if strings.TrimSpace(out) != "admin" {
		t.Fatalf("get = %q, want admin", out)
	}

	out, err = ctl(t, cfg, "users", "list")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	if out != "alice\tadmin\nbob\tviewer\n" {
		t.Fatalf("list = %q", out)
	}

	if _, err := ctl(t, cfg, "users", "del", "alice"); err != nil {
		t.Fatalf("del error = %v", err)
	}
	if _, err := ctl(t, cfg, "users", "get", "alice"); err == nil {
		t.Fatalf("get after del succeeded")
	}
}

func TestAddExistingKeyFails(t *testing.T) {
	cfg := fileConfig(t)
	if _, err := ctl(t, cfg, "c", "add", "k", "1"); err != nil {
		t.Fatalf("add error = %v", err)
	}
	if _, err := ctl(t, cfg, "c", "add", "k", "2"); err == nil {
		t.Fatalf("second add succeeded")
	}
}

func TestMetricsOutput(t *testing.T) {
	cfg := fileConfig(t)
	_, err := ctl(t, cfg)
	if !errors.Is(err, errUsage) {
		t.Fatalf("missing arguments error = %v, want usage", err)
	}

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"-config", cfg, "-metrics", "c", "set", "k", "v"}, &stdout, &stderr); err != nil {
		t.Fatalf("run error = %v", err)
	}
	out := stdout.String()
	if !strings.Contains(out, "durable_") {
		t.Fatalf("metrics output missing durable metrics:\n%s", out)
	}
}

func TestUnknownCommand(t *testing.T) {
	cfg := fileConfig(t)
	if _, err := ctl(t, cfg, "c", "explode"); !errors.Is(err, errUsage) {
		t.Fatalf("error = %v, want usage", err)
	}
}
