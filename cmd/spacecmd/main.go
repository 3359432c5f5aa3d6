package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/publu/spacecommand/cmd/spacecmd/cli"
)

func init() {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()
}

func main() {
	if err := cli.NewRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "spacecmd:", err)
		os.Exit(1)
	}
}
