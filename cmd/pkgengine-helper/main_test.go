package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkgengine/pkgengine/pkg/protocol"
)

func TestReadDescriptorFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "op.json")
	content := `{"command":"AlpmUninstall","payload":{"packages":["htop"],"remove_deps":true}}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	d, err := readDescriptor([]string{path})
	if err != nil {
		t.Fatalf("readDescriptor: %v", err)
	}
	p, ok := d.Payload.(protocol.UninstallPayload)
	if !ok || !p.RemoveDeps || len(p.Packages) != 1 {
		t.Errorf("payload = %+v", d.Payload)
	}
}

func TestReadDescriptorMissingFile(t *testing.T) {
	if _, err := readDescriptor([]string{filepath.Join(t.TempDir(), "absent.json")}); err == nil {
		t.Error("expected an error for a missing descriptor file")
	}
}
