package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/xkilldash9x/pagepilot/cmd"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

const panicLogFile = "panic.log"

const banner = `
  pagepilot %s
  type a command (e.g. run --url https://example.com "find the docs"), or exit

`

// Allows mocking in tests.
var (
	osWriteFile = os.WriteFile
	osExit      = os.Exit
)

func main() {
	defer handlePanic()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) > 1 {
		if err := cmd.Execute(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				osExit(0)
			} else {
				fmt.Fprintln(os.Stderr, "Error:", err)
				osExit(1)
			}
		}
		return
	}

	// -- Interactive Mode --
	fmt.Printf(banner, cmd.Version)
	if err := interactive(ctx, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error reading from stdin:", err)
		osExit(1)
	}
	fmt.Println("Exiting pagepilot.")
}

// interactive reads one command per line until EOF, exit or quit.
func interactive(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "pagepilot > ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		executeInteractiveCommand(ctx, line, out)
		if ctx.Err() != nil {
			break
		}
	}
	return scanner.Err()
}

// executeInteractiveCommand runs one line on a fresh command tree.
func executeInteractiveCommand(ctx context.Context, line string, out io.Writer) {
	rootCmd := cmd.NewRootCommand()
	rootCmd.SetArgs(splitArgs(line))
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(out, "Error: command panicked: %v\n", r)
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(out, "Error:", err)
	}
}

// splitArgs splits a command line on whitespace, keeping double or single
// quoted sections together.
func splitArgs(line string) []string {
	var (
		args  []string
		cur   strings.Builder
		quote rune
		open  bool
	)
	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote, open = r, true
		case r == ' ' || r == '\t':
			if open {
				args = append(args, cur.String())
				cur.Reset()
				open = false
			}
		default:
			cur.WriteRune(r)
			open = true
		}
	}
	if open {
		args = append(args, cur.String())
	}
	return args
}

// handlePanic writes the stack to panic.log and exits non-zero.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(panicMessage), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
		osExit(2)
		return
	}
	fmt.Fprintf(os.Stderr, "\nCRASH DETECTED. Details logged to %s\n", panicLogFile)
	osExit(2)
}
