package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "consultcall",
	Short: "consultcall is a one-to-one video consultation client.",
	Long: "consultcall connects to the signaling broker as USER_ID, negotiates WebRTC calls " +
		"and exposes a local control API for the UI.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(cmd.Context())
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
