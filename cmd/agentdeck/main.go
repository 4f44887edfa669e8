package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "agentdeck",
		Short: "Supervise coding-agent CLIs and stream their output",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newWatchCmd())

	if err := root.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
