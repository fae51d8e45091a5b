// Package main provides the hivehost CLI.
package main

import (
	"fmt"
	"os"
)

var (
	version = "dev"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		serveCmd(args)
	case "version":
		fmt.Printf("hivehost %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Hivehost - chat-driven bot container hosting

Usage:
  hivehost <command> [options]

Commands:
  serve     Run the hosting platform
  version   Print version information
  help      Show this help message

Examples:
  hivehost serve
  hivehost serve --config hivehost.yaml

Run 'hivehost <command> --help' for more information on a command.`)
}
