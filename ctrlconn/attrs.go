package ctrlconn

import (
	"context"
	"fmt"

	"github.com/ftpcore/engine/ftperrors"
	"github.com/ftpcore/engine/wire"
)

// SetAttrs issues SITE CHMOD to mirror a local permission mode onto a
// remote path, SPEC_FULL supplement 5 (recovered from
// original_source/ftp/operatsa.cpp's attribute-copy pass, dropped by the
// distilled spec's non-goal list only for Windows ACL/WPD attributes,
// not for POSIX mode bits). Any non-success reply (e.g. 500/502 from a
// server without SITE CHMOD) is returned as a ProblemUnknownAttrs error;
// the caller decides what to do with it per its configured AttrsPolicy.
func (c *Conn) SetAttrs(ctx context.Context, path, mode string) error {
	if err := c.EnsureConnected(ctx); err != nil {
		return err
	}
	reply, err := c.command(ctx, wire.CmdSITE, "CHMOD", mode, path)
	if err != nil {
		return err
	}
	if reply.Outcome() != wire.OutcomeSuccess {
		return ftperrors.New(ftperrors.KindPolicyConflict, ftperrors.ProblemUnknownAttrs,
			fmt.Errorf("SITE CHMOD %s %s failed: %d", mode, path, reply.Code)).WithReply(reply.Text)
	}
	return nil
}
