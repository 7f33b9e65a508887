package main

import (
	"os"

	"github.com/tik-choco-lab/ragpipe/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
