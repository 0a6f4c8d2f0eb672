package main

import (
	"os"

	"github.com/JakeFAU/spa-prerender/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
