// Package main provides the bundle-builder CLI application.
package main

import (
	"log"
	"os"

	"github.com/clean-dependency-project/rpmbundle/internal/cli"
)

func main() {
	app := cli.NewApp()

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
