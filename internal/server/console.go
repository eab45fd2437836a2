package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// RunConsole reads operator commands from in until it sees "shutdown", in
// reaches EOF or ctx ends. Output goes to out.
func RunConsole(ctx context.Context, in io.Reader, out io.Writer, app *App) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "":
			case "shutdown":
				fmt.Fprintln(out, "Shutting down server...")
				return app.Shutdown(ctx)
			case "status":
				fmt.Fprintf(out, "connections=%d joined=%d running=%t\n",
					app.registry.Connections(), app.registry.Len(), app.Running())
			default:
				fmt.Fprintf(out, "unknown command %q (commands: status, shutdown)\n", line)
			}
		}
	}
}
