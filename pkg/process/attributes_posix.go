//go:build !windows && !plan9

// TODO: Figure out what to do for Plan 9. It doesn't support Setsid.

package process

import (
	"syscall"
)

// DetachedProcessAttributes returns the process attributes to use for
// starting a handler in its own session, outside the daemon's process group
// (pkg/procmanager starts every handler this way, so a SIGHUP to the
// daemon's process group doesn't take a running handler down with it).
func DetachedProcessAttributes() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		// There's also a Noctty field, but it only detaches standard input
		// from the controlling terminal (not standard output or error), and
		// if standard input isn't a terminal, it will fail to launch the
		// process. Setsid is a bit heavy-handed since it creates a new
		// process group, but it's the most robust option for full detachment.
		Setsid: true,
	}
}

// CredentialAttributes returns the process attributes to use for starting a
// handler under a different uid/gid, with the given supplementary groups
// (the first entry is used as the primary gid). It also detaches the child
// per DetachedProcessAttributes.
func CredentialAttributes(uid uint32, gids []uint32) *syscall.SysProcAttr {
	attr := DetachedProcessAttributes()
	if len(gids) == 0 {
		attr.Credential = &syscall.Credential{Uid: uid}
		return attr
	}
	attr.Credential = &syscall.Credential{
		Uid:    uid,
		Gid:    gids[0],
		Groups: gids,
	}
	return attr
}
