package main

import (
	"github.com/vscodeoffline/vscmirror/cmd"
	"github.com/vscodeoffline/vscmirror/pkg/logger"
)

var version = "1.0.0"

func main() {
	if err := cmd.Execute(version); err != nil {
		logger.Fatalf("Error: %v", err)
	}
}
