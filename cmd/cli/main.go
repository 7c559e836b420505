// Package main is the entry point for the shapelake CLI binary.
package main

import (
	"os"

	cli "shapelake/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
