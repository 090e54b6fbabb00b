package env

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWithoutDotenv(t *testing.T) {
	t.Setenv("DESKRUN_BASE_URL", "http://desk:24337")
	t.Setenv("OLLAMA_HOST", "")

	got, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.BASE_URL != "http://desk:24337" {
		t.Fatalf("expected base url from env, got %q", got.BASE_URL)
	}
	if got.OLLAMA_HOST != "" {
		t.Fatalf("expected empty ollama host, got %q", got.OLLAMA_HOST)
	}
}

func TestLoadDotenvDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "DESKRUN_USERNAME=fromfile\nDESKRUN_PROJECT_DIR=/srv/project\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	t.Setenv("DESKRUN_USERNAME", "fromenv")
	t.Setenv("DESKRUN_PROJECT_DIR", "")
	os.Unsetenv("DESKRUN_PROJECT_DIR")

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.USERNAME != "fromenv" {
		t.Fatalf("expected process env to win, got %q", got.USERNAME)
	}
	if got.PROJECT_DIR != "/srv/project" {
		t.Fatalf("expected project dir from dotenv, got %q", got.PROJECT_DIR)
	}
}
