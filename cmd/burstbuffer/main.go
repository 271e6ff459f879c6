package main

import (
	"os"

	"github.com/armadaproject/burstbuffer/cmd/burstbuffer/cmd"
	"github.com/armadaproject/burstbuffer/internal/common"
)

func main() {
	common.ConfigureLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
