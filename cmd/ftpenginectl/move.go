package main

import (
	"github.com/spf13/cobra"

	"github.com/ftpcore/engine/ftpengine"
	"github.com/ftpcore/engine/scheduler"
)

var flagMoveUpload bool

var moveCmd = &cobra.Command{
	Use:   "move <src> <dst>",
	Short: "Move a file or directory, deleting the source once transferred",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := scheduler.KindMoveDownload
		root := ftpengine.Root{Remote: args[0], Local: args[1]}
		if flagMoveUpload {
			kind = scheduler.KindMoveUpload
			root = ftpengine.Root{Local: args[0], Remote: args[1]}
		}
		return runOperation(kind, []ftpengine.Root{root})
	},
}

func init() {
	moveCmd.Flags().BoolVar(&flagMoveUpload, "upload", false, "move from a local path to the server instead of the reverse")
}
