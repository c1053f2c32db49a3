package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loykin/tierd/internal/config"
	"github.com/loykin/tierd/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// configPath prefers a positional argument over --config.
func configPath(flagPath string, args []string) (string, error) {
	p := flagPath
	if len(args) > 0 {
		p = args[0]
	}
	if p == "" {
		return "", fmt.Errorf("config file required. Use --config=tierd.toml or provide it as an argument")
	}
	return p, nil
}

// apiURL resolves the daemon address: --api-url, then the [server] section of
// the config file when one is given, then the default.
func apiURL(f APIFlags, cfgPath string) string {
	if f.APIUrl != "" {
		return f.APIUrl
	}
	listen, base := config.DefaultListen, config.DefaultBasePath
	if cfgPath != "" {
		if cfg, err := config.Load(cfgPath); err == nil {
			if cfg.File.Server.Listen != "" {
				listen = cfg.File.Server.Listen
			}
			base = cfg.File.Server.BasePath
		}
	}
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	if base != "" && !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return "http://" + listen + strings.TrimRight(base, "/")
}

func newClient(f APIFlags, cfgPath string) *client.Client {
	timeout := f.APITimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return client.New(client.Config{BaseURL: apiURL(f, cfgPath), Timeout: timeout})
}
