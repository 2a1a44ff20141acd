package main

import (
	"os"

	"github.com/lanbeam/lanbeam/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
