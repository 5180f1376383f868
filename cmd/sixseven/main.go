package main

import (
	"os"

	"sixseven/cmd/sixseven/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
