package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"device-client-coap/cloud"
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and maps the outcome to a process exit
// code. A client that fails to initialize exits with -1.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(stderr, "Error:", err)
	if errors.Is(err, cloud.ErrInit) {
		return -1
	}
	return 1
}
