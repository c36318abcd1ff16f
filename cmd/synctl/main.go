package main

import (
	"fmt"
	"os"

	"example.com/ridesync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "synctl:", err)
		os.Exit(1)
	}
}
