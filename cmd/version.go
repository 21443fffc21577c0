package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kioskworks/station/system"
)

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Prints the current executable version and exits.",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Printf("station v%s\n", system.Version)
	},
}
