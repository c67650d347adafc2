package main

import (
	"os"

	"github.com/urfave/cli/v2"

	zclaim "github.com/zclaim/zclaim"
)

func versionCmd(*cli.Context) error {
	zclaim.PrintVersion(os.Stdout)
	return nil
}
