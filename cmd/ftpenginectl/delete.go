package main

import (
	"github.com/spf13/cobra"

	"github.com/ftpcore/engine/ftpengine"
	"github.com/ftpcore/engine/scheduler"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <remote>",
	Short: "Delete a remote file or directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := ftpengine.Root{Remote: args[0]}
		return runOperation(scheduler.KindDelete, []ftpengine.Root{root})
	},
}
