package main

import (
	"context"
	"fmt"
	"os"

	"github.com/remotefs/remotefs/internal/cli/commands"
)

func main() {
	cmd := commands.NewRootCommand(os.Stdout, os.Stderr)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "remotefs: %v\n", err)
		os.Exit(1)
	}
}
