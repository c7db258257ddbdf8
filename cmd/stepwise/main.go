package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "stepwise"}

	root.AddCommand(serveCMD(), workerCMD(), migrateCMD(), runCMD())
	_ = root.Execute()
}
