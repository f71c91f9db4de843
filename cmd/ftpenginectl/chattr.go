package main

import (
	"github.com/spf13/cobra"

	"github.com/ftpcore/engine/ftpengine"
	"github.com/ftpcore/engine/scheduler"
)

var chattrCmd = &cobra.Command{
	Use:   "chattr <remote> <mode>",
	Short: "Change permissions on a remote file or directory via SITE CHMOD",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := ftpengine.Root{Remote: args[0], Attrs: args[1]}
		return runOperation(scheduler.KindChAttr, []ftpengine.Root{root})
	},
}
