package main

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/remotectl/internal/config"
	"github.com/mattjoyce/remotectl/internal/tui/watch"
)

func printWatchHelp() {
	fmt.Println("Usage: remotectl watch [--url URL] [--token T] [--device ID]")
	fmt.Println("Follow a running server's event stream in a terminal dashboard.")
	fmt.Println("--url defaults to api.listen from the configuration; --token to api.auth.api_key")
	fmt.Println("or $REMOTECTL_TOKEN. --device narrows the stream to one device.")
}

func runWatch(args []string) int {
	fs, cf := newFlagSet("watch", false)
	serverURL := fs.String("url", "", "Server base URL")
	token := fs.String("token", os.Getenv("REMOTECTL_TOKEN"), "Bearer token with read scope")
	deviceID := fs.StringP("device", "d", "", "Only events for this device")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	src := watch.Source{URL: *serverURL, Token: *token, DeviceID: *deviceID}
	if src.URL == "" || src.Token == "" {
		cfg, err := config.LoadDiscovered(cf.configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return exitError
		}
		if src.URL == "" {
			src.URL = baseURL(cfg.API.Listen)
		}
		if src.Token == "" {
			src.Token = cfg.API.Auth.APIKey
		}
	}

	p := tea.NewProgram(watch.New(src), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		return exitError
	}
	return exitOK
}

// baseURL turns a listen address into a URL a local client can reach.
func baseURL(listen string) string {
	if strings.HasPrefix(listen, "http://") || strings.HasPrefix(listen, "https://") {
		return listen
	}
	if strings.HasPrefix(listen, ":") {
		listen = "localhost" + listen
	}
	if strings.HasPrefix(listen, "0.0.0.0:") {
		listen = "localhost" + strings.TrimPrefix(listen, "0.0.0.0")
	}
	return "http://" + listen
}
