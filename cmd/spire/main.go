// Package main is the entry point of the spire proxy. All behavior lives
// in internal/spirecli; this file only wires os.Exit to its return code,
// the same split the teacher's cmd/caddy/main.go uses against caddycmd.
package main

import (
	"os"

	"github.com/pterx/spire/internal/spirecli"
)

func main() {
	os.Exit(spirecli.Main())
}
