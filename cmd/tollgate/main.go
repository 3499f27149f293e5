package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run dispatches subcommands. With no arguments the server runs.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "health":
		return runHealth(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			startServer()
			return 0
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "tollgate <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  server   Run the authorization gate (default)")
	fmt.Fprintln(w, "  health   Check a running gate over HTTP")
	fmt.Fprintln(w, "  help     Show this help")
}

func runHealth(stdout, stderr io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://localhost:" + port + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "gate unreachable: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "gate unhealthy: %s\n", resp.Status)
		return 1
	}
	fmt.Fprintln(stdout, "ok")
	return 0
}
