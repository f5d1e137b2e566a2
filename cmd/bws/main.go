// Package main is the entry point of the bws binary: a thin cobra CLI
// over internal/supervisor exposing run, reload and version commands,
// in the shape of the command surface Caddy's cmd package exposes over
// its own admin API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
