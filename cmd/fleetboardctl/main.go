// Command fleetboardctl is a small status CLI for the orchestrator
// daemon: it hits the dashboard's /api/board and /api/agents endpoints
// and renders a human-readable table on a terminal, or compact NDJSON
// when piped, grounded on the teacher's cmd/goclaw status command (same
// config.Load + http.Client + mattn/go-isatty output-mode split).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/fleetboard/internal/config"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	command := "board"
	if len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "board":
		return printBoard(cfg)
	case "agents":
		return printAgents(cfg)
	case "health":
		return printHealth(cfg)
	default:
		fmt.Fprintf(os.Stderr, "usage: fleetboardctl [board|agents|health]\n")
		return 2
	}
}

func baseURL(cfg config.Config) string {
	addr := strings.TrimSpace(cfg.Dashboard.BindAddr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	return "http://" + addr
}

func fetchJSON(url string, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %d %s", url, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// humanOutput reports whether stdout is a terminal, matching the
// teacher's isatty-driven table-vs-script split.
func humanOutput() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("FLEETBOARDCTL_SCRIPT") == ""
}

func printHealth(cfg config.Config) int {
	var status map[string]string
	if err := fetchJSON(baseURL(cfg)+"/api/health", &status); err != nil {
		fmt.Fprintf(os.Stderr, "health: %v\n", err)
		return 1
	}
	if humanOutput() {
		fmt.Printf("status: %s\n", status["status"])
	} else {
		_ = json.NewEncoder(os.Stdout).Encode(status)
	}
	return 0
}

func printBoard(cfg config.Config) int {
	var grouped map[string][]map[string]any
	if err := fetchJSON(baseURL(cfg)+"/api/board", &grouped); err != nil {
		fmt.Fprintf(os.Stderr, "board: %v\n", err)
		return 1
	}
	if !humanOutput() {
		_ = json.NewEncoder(os.Stdout).Encode(grouped)
		return 0
	}
	for status, tasks := range grouped {
		fmt.Printf("%s (%d)\n", status, len(tasks))
		for _, task := range tasks {
			fmt.Printf("  %-12v %-8v %v\n", task["ID"], task["Priority"], task["Title"])
		}
	}
	return 0
}

func printAgents(cfg config.Config) int {
	var agents []map[string]any
	if err := fetchJSON(baseURL(cfg)+"/api/agents", &agents); err != nil {
		fmt.Fprintf(os.Stderr, "agents: %v\n", err)
		return 1
	}
	if !humanOutput() {
		_ = json.NewEncoder(os.Stdout).Encode(agents)
		return 0
	}
	for _, agent := range agents {
		fmt.Printf("%-16v %-8v %-10v %v\n", agent["ID"], agent["Role"], agent["Status"], agent["CurrentTask"])
	}
	return 0
}
