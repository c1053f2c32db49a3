package config

import (
	"os"
	"strconv"
	"strings"
	"testing"
)

// FuzzServiceConfigTOML feeds random-ish fields into a tiny TOML and ensures
// the loader does not panic and rejects invalid services with an error.
func FuzzServiceConfigTOML(f *testing.F) {
	f.Add("api", "sleep 0.01", 4601, "", -1) // id, cmd, port, kind, max_restarts
	f.Add("", "true", 0, "python", 3)
	f.Add("web", "", 70000, "ruby", 0)

	f.Fuzz(func(t *testing.T, id, cmd string, port int, kind string, maxRestarts int) {
		clean := func(s string) string {
			s = strings.ReplaceAll(s, "\"", "")
			s = strings.ReplaceAll(s, "\\", "")
			return strings.ReplaceAll(s, "\n", "")
		}
		b := strings.Builder{}
		b.WriteString("[[services]]\n")
		b.WriteString("id = \"" + clean(id) + "\"\n")
		b.WriteString("command = \"" + clean(cmd) + "\"\n")
		b.WriteString("port = " + strconv.Itoa(port) + "\n")
		if kind != "" {
			b.WriteString("kind = \"" + clean(kind) + "\"\n")
		}
		if maxRestarts >= -1 {
			b.WriteString("max_restarts = " + strconv.Itoa(maxRestarts) + "\n")
		}
		tmp := t.TempDir() + "/fuzz.toml"
		if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
			t.Skip()
		}
		cfg, err := Load(tmp) // must not panic
		if err == nil && cfg.Registry.Len() != 1 {
			t.Fatalf("expected one service, got %d", cfg.Registry.Len())
		}
	})
}
