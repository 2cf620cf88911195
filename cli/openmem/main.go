package main

import (
	"os"

	openmemcmder "github.com/ucalyptus/open-mem/cmd/openmem"
)

func main() {
	cmd := openmemcmder.NewOpenmemCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
