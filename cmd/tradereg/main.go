package main

import (
	"os"

	"tradereg/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
