package appcontext

import (
	"os"
	"path/filepath"
	"testing"
)

const loaderTestPrefix = "appcontext:loader_test"

const sample = `{
  "appName": "energy-monitor",
  "oAuth": {"accessToken": "ctx-token", "expires": 3600},
  "endpoints": {"eventBus": "wss://bus.example.com/kiwibus"}
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("%s - failed to write %s: %v", loaderTestPrefix, name, err)
	}
	return path
}

func TestLoad_ExplicitPath(t *testing.T) {
	path := writeFile(t, "ctx.json", sample)
	c := Load(path)
	if c.Source() != path {
		t.Errorf("%s - Source() = %q, want %q", loaderTestPrefix, c.Source(), path)
	}
	if c.AccessToken() != "ctx-token" {
		t.Errorf("%s - AccessToken() = %q", loaderTestPrefix, c.AccessToken())
	}
}

func TestLoad_SkipsInvalidAndFallsBackToEnv(t *testing.T) {
	bad := writeFile(t, "bad.json", `{not json`)
	good := writeFile(t, "good.json", sample)
	t.Setenv(EnvPath, good)

	c := Load(filepath.Join(t.TempDir(), "missing.json"), bad)
	if c.Source() != good {
		t.Errorf("%s - Source() = %q, want %q", loaderTestPrefix, c.Source(), good)
	}
}

func TestLoad_EmptyWhenNothingFound(t *testing.T) {
	t.Setenv(EnvPath, "")
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("%s - chdir: %v", loaderTestPrefix, err)
	}
	defer os.Chdir(wd)

	c := Load()
	if c.Source() != "" {
		t.Errorf("%s - expected no source, got %q", loaderTestPrefix, c.Source())
	}
	if _, ok := c.Get("oAuth"); ok {
		t.Errorf("%s - expected empty context", loaderTestPrefix)
	}
}

func TestGet(t *testing.T) {
	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("%s - Parse failed: %v", loaderTestPrefix, err)
	}

	tests := []struct {
		path   string
		want   interface{}
		wantOK bool
	}{
		{"appName", "energy-monitor", true},
		{"oAuth.accessToken", "ctx-token", true},
		{"oAuth.expires", float64(3600), true},
		{"endpoints.eventBus", "wss://bus.example.com/kiwibus", true},
		{"oAuth.missing", nil, false},
		{"appName.deeper", nil, false},
		{"", nil, true},
	}
	for _, tt := range tests {
		got, ok := c.Get(tt.path)
		if ok != tt.wantOK {
			t.Errorf("%s - Get(%q) ok = %v, want %v", loaderTestPrefix, tt.path, ok, tt.wantOK)
			continue
		}
		if tt.want != nil && got != tt.want {
			t.Errorf("%s - Get(%q) = %v, want %v", loaderTestPrefix, tt.path, got, tt.want)
		}
	}

	if c.String("oAuth.expires") != "" {
		t.Errorf("%s - String on a number must be empty", loaderTestPrefix)
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "[1,2]", "{"} {
		if _, err := Parse([]byte(in)); err == nil {
			t.Errorf("%s - Parse(%q) expected error", loaderTestPrefix, in)
		}
	}
}

func TestNew_NilData(t *testing.T) {
	c := New(nil)
	if c.String("x") != "" {
		t.Errorf("%s - expected empty value", loaderTestPrefix)
	}
}
