package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ubysbot/internal/app"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(app.BuildInfoLine())
		},
	}
}
