package main

import (
	"os"

	"github.com/mySupply/phoss-smp/cmd/smpadmin/commands"
)

var version = "dev"

func main() {
	commands.SetVersion(version)
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
