package main

import (
	"os"

	"github.com/outrun-sh/outrun/cmd/outrun/commands"
)

// selfErrorCode distinguishes outrun's own failures from the guest
// command's exit status, which belongs to the host shell.
const selfErrorCode = 254

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(selfErrorCode)
	}
}
