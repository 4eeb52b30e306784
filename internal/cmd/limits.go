package cmd

import "github.com/spf13/cobra"

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Inspect and reset per-destination rate limits",
}

func init() {
	limitsCmd.AddCommand(limitsListCmd)
	limitsCmd.AddCommand(limitsResetCmd)
	rootCmd.AddCommand(limitsCmd)
}
