package node

import (
	"os"
	"path/filepath"
	"testing"

	"ensemble/pkg/config"
)

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "ensemble", "config.toml")

	created, err := WriteDefaultConfig(path)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !created {
		t.Fatal("expected the file to be created")
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("template does not load: %v", err)
	}
	if *cfg != *config.Default() {
		t.Errorf("template differs from defaults:\n got %+v\nwant %+v", *cfg, *config.Default())
	}

	if err := os.WriteFile(path, []byte("# mine\n"), 0644); err != nil {
		t.Fatal(err)
	}
	created, err = WriteDefaultConfig(path)
	if err != nil || created {
		t.Fatalf("existing file: created=%v err=%v", created, err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "# mine\n" {
		t.Error("existing config was overwritten")
	}
}

func TestFindEditor_PrefersEnv(t *testing.T) {
	t.Setenv("EDITOR", "my-editor")
	got, err := findEditor()
	if err != nil || got != "my-editor" {
		t.Errorf("findEditor: got %q, %v", got, err)
	}
}
