// Command clangdlink-probe is a minimal driver that exercises the whole
// clangdlink lifecycle against a real clangd binary: start the server,
// open a file, print the diagnostics clangd reports back, then shut
// down cleanly.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/firi/clangdlink"
	"github.com/firi/clangdlink/logger"
	"github.com/firi/clangdlink/watcher"
	"github.com/firi/clangdlink/wire"
)

func printHelp() {
	fmt.Println(`clangdlink-probe - exercise a clangdlink.Client against a real clangd

Usage:
  clangdlink-probe <project-dir> <source-file>

Flags:
  --clangd <path>   clangd binary to spawn (default: clangd)
  --verbose         log at Debug level to clangdlink-probe.log in the temp dir
  --help            show this help message`)
}

func findProjectRoot(startDir string) (string, error) {
	dir := startDir
	for {
		if _, err := os.Stat(filepath.Join(dir, "compile_commands.json")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("no compile_commands.json found in any parent directory")
}

func main() {
	var clangdPath string
	var verbose bool
	var positional []string

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--help" || args[i] == "-h":
			printHelp()
			return
		case args[i] == "--verbose" || args[i] == "-v":
			verbose = true
		case args[i] == "--clangd":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "Error: --clangd requires a value")
				os.Exit(1)
			}
			i++
			clangdPath = args[i]
		case strings.HasPrefix(args[i], "--"):
			fmt.Fprintf(os.Stderr, "Error: unknown flag %s\n", args[i])
			os.Exit(1)
		default:
			positional = append(positional, args[i])
		}
	}

	if len(positional) == 0 {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		root, err := findProjectRoot(cwd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		positional = []string{root}
	}

	projectDir, err := filepath.Abs(positional[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var sourceFile string
	if len(positional) > 1 {
		sourceFile, err = filepath.Abs(positional[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	var log logger.Logger = logger.NullLogger{}
	if verbose {
		fl, err := logger.NewFileLogger(filepath.Join(os.TempDir(), "clangdlink-probe.log"), logger.LevelDebug, 10<<20, 1000)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer fl.Close()
		log = fl
	}

	client := clangdlink.New(clangdlink.Options{
		ProjectDirectory: projectDir,
		ServerCommand:    clangdPath,
		ListenerFactory:  watcher.New(log),
		Logger:           log,
		OnUnexpectedExit: func(err error) {
			fmt.Fprintf(os.Stderr, "clangd exited unexpectedly: %v\n", err)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.StartServer(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer client.Shutdown(context.Background())

	fmt.Printf("clangd ready: %v\n", client.Capabilities() != nil)

	if sourceFile == "" {
		return
	}

	contents, err := os.ReadFile(sourceFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := client.OnFileReadyToParse(ctx, clangdlink.TickInput{
		OpenFiles: map[string][]byte{sourceFile: contents},
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		frame, ok := client.Notifications().PopWithTimeout(200 * time.Millisecond)
		if !ok {
			continue
		}
		printIfDiagnostics(frame)
	}
}

func printIfDiagnostics(frame *wire.Frame) {
	if frame.Method != "textDocument/publishDiagnostics" {
		return
	}
	fmt.Printf("diagnostics: %s\n", string(frame.Params))
}
