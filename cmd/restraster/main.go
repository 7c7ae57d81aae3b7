package main

import (
	"fmt"
	"os"
)

// 退出码
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitConfigError  = 3
	ExitBatchAborted = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "fetch":
		return runFetch(cmdArgs)
	case "sources":
		return runSources(cmdArgs)
	case "serve":
		return runServe(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: restraster <command> [options]

Commands:
  fetch     Download one image per boundary of a GeoJSON file from a REST image service
  sources   List the built-in REST image services
  serve     Run the HTTP API

Run 'restraster <command> -h' for command options.`)
}
