package main

import (
	"github.com/spf13/cobra"

	"github.com/ftpcore/engine/ftpengine"
	"github.com/ftpcore/engine/scheduler"
)

var flagCopyUpload bool

var copyCmd = &cobra.Command{
	Use:   "copy <src> <dst>",
	Short: "Copy a file or directory, leaving the source in place",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := scheduler.KindCopyDownload
		root := ftpengine.Root{Remote: args[0], Local: args[1]}
		if flagCopyUpload {
			kind = scheduler.KindCopyUpload
			root = ftpengine.Root{Local: args[0], Remote: args[1]}
		}
		return runOperation(kind, []ftpengine.Root{root})
	},
}

func init() {
	copyCmd.Flags().BoolVar(&flagCopyUpload, "upload", false, "copy from a local path to the server instead of the reverse")
}
