package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPortFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := PortFilePath(filepath.Join(dir, "nested"), "ws")

	if err := WritePortFile(path, 4733); err != nil {
		t.Fatalf("WritePortFile: %v", err)
	}
	port, err := ReadPortFile(path)
	if err != nil {
		t.Fatalf("ReadPortFile: %v", err)
	}
	if port != 4733 {
		t.Fatalf("port = %d, want 4733", port)
	}

	if err := RemovePortFile(path); err != nil {
		t.Fatalf("RemovePortFile: %v", err)
	}
	if err := RemovePortFile(path); err != nil {
		t.Fatalf("second RemovePortFile: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("port file still present")
	}
}

func TestReadPortFileRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{"text": "abc\n", "range": "70000\n", "zero": "0\n"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadPortFile(path); err == nil {
			t.Errorf("%s: expected error for %q", name, content)
		}
	}
}

func TestPortFromAddr(t *testing.T) {
	port, err := PortFromAddr("127.0.0.1:4732")
	if err != nil || port != 4732 {
		t.Fatalf("PortFromAddr = %d, %v", port, err)
	}
	port, err = PortFromAddr("[::1]:9")
	if err != nil || port != 9 {
		t.Fatalf("PortFromAddr ipv6 = %d, %v", port, err)
	}
	if _, err := PortFromAddr("nope"); err == nil {
		t.Fatal("expected error for address without port")
	}
}
