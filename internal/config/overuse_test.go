package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
	"github.com/blackwell-systems/iowatchdog/internal/overuse/overusetest"
)

const thirdPartyYAML = `component_type: third_party
io_overuse:
  component_level_thresholds:
    foreground: 1073741824
    background: 536870912
    idle_maintenance: 2147483648
  package_specific_thresholds:
    - name: com.example.navigation
      bytes: {foreground: 10, background: 20, idle_maintenance: 30}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func writeSampleConfigs(t *testing.T, dir string) {
	t.Helper()
	for _, cfg := range overusetest.SampleConfigs() {
		path := filepath.Join(dir, cfg.ComponentType.String()+".yaml")
		if err := WriteOveruseFile(path, cfg); err != nil {
			t.Fatalf("WriteOveruseFile: %v", err)
		}
	}
}

func TestLoadOveruseFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "third_party.yaml", thirdPartyYAML)

	cfg, err := LoadOveruseFile(path)
	if err != nil {
		t.Fatalf("LoadOveruseFile() error: %v", err)
	}
	if cfg.ComponentType != overuse.ComponentTypeThirdParty {
		t.Errorf("ComponentType = %v, want third_party", cfg.ComponentType)
	}
	if cfg.IoOveruse == nil {
		t.Fatal("IoOveruse is nil")
	}
	if got := cfg.IoOveruse.ComponentLevelThresholds.Background; got != 536870912 {
		t.Errorf("background threshold = %d", got)
	}
	if len(cfg.IoOveruse.PackageSpecificThresholds) != 1 {
		t.Fatalf("expected 1 package threshold, got %d", len(cfg.IoOveruse.PackageSpecificThresholds))
	}
	want := overusetest.Bytes(10, 20, 30)
	if got := cfg.IoOveruse.PackageSpecificThresholds[0].Bytes; got != want {
		t.Errorf("package threshold = %+v, want %+v", got, want)
	}
}

func TestLoadOveruseFile_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown field", "component_type: vendor\nio_overuse: {}\nthresholds: 5\n", "thresholds"},
		{"unknown component", "component_type: kernel\n", "unknown component type"},
		{"empty", "", "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "cfg.yaml", tt.content)
			_, err := LoadOveruseFile(path)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadOveruseDir_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeSampleConfigs(t, dir)
	writeFile(t, dir, "README.md", "not a config")
	writeFile(t, dir, ".third_party.yaml.swp", "editor state")

	got, err := LoadOveruseDir(dir)
	if err != nil {
		t.Fatalf("LoadOveruseDir() error: %v", err)
	}
	// Files load in name order: system, third_party, vendor.
	want := overusetest.SampleConfigs()
	want[1], want[2] = want[2], want[1]
	if !reflect.DeepEqual(got, want) {
		t.Errorf("LoadOveruseDir() = %+v\nwant %+v", got, want)
	}
}

func TestLoadOveruseDir_Invalid(t *testing.T) {
	dir := t.TempDir()
	writeSampleConfigs(t, dir)
	writeFile(t, dir, "vendor-copy.yaml", "component_type: vendor\nio_overuse:\n  component_level_thresholds: {foreground: 1, background: 1, idle_maintenance: 1}\n")

	_, err := LoadOveruseDir(dir)
	if !errors.Is(err, overuse.ErrInvalidArgument) {
		t.Fatalf("LoadOveruseDir() error = %v, want ErrInvalidArgument", err)
	}
}

func TestLoadOveruseDir_Empty(t *testing.T) {
	_, err := LoadOveruseDir(t.TempDir())
	if !errors.Is(err, overuse.ErrInvalidArgument) {
		t.Fatalf("LoadOveruseDir() error = %v, want ErrInvalidArgument", err)
	}
}

func TestIsOveruseFile(t *testing.T) {
	tests := map[string]bool{
		"system.yaml":       true,
		"/etc/x/VENDOR.YML": true,
		"notes.txt":         false,
		".system.yaml":      false,
		"system.yaml~":      false,
	}
	for name, want := range tests {
		if got := IsOveruseFile(name); got != want {
			t.Errorf("IsOveruseFile(%q) = %v, want %v", name, got, want)
		}
	}
}
