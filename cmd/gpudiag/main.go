package main

import "codeberg.org/mutker/gpudiag/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
