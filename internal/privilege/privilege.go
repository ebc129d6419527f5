// Package privilege resolves the identity of the user who invoked the agent
// under sudo, for the two places the config loader needs it: finding the
// right home directory to resolve ~/.profileagent/config.yaml against, and
// restoring ownership of files the agent writes while running as root. The
// agent itself never drops its own privileges — the kernel sampler and
// per-runtime profilers need root (or CAP_PERFMON/CAP_BPF) for the whole of
// a daemon's life to attach to arbitrary target processes, not just during
// startup.
package privilege

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
)

// UserContext identifies the user the agent should treat as "the operator"
// for file-ownership purposes: the sudo invoker if running under sudo,
// otherwise the current user.
type UserContext struct {
	Username string
	UID      int
	GID      int
	HomeDir  string
}

// DetectOriginalUser returns the original user's context from
// SUDO_USER/SUDO_UID/SUDO_GID when running under sudo, or the current
// user's context otherwise.
func DetectOriginalUser() (*UserContext, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return currentUserContext()
	}

	uidStr := os.Getenv("SUDO_UID")
	gidStr := os.Getenv("SUDO_GID")
	if uidStr == "" || gidStr == "" {
		return nil, fmt.Errorf("SUDO_USER set but SUDO_UID or SUDO_GID missing")
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_UID: %w", err)
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_GID: %w", err)
	}

	u, err := user.Lookup(sudoUser)
	if err != nil {
		return nil, fmt.Errorf("lookup sudo user %s: %w", sudoUser, err)
	}

	return &UserContext{Username: sudoUser, UID: uid, GID: gid, HomeDir: u.HomeDir}, nil
}

func currentUserContext() (*UserContext, error) {
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("get current user: %w", err)
	}
	return &UserContext{Username: u.Username, UID: os.Getuid(), GID: os.Getgid(), HomeDir: u.HomeDir}, nil
}

// isRoot reports whether the process is running with euid 0, the gate every
// fix-up in this package is behind — an unprivileged agent process has
// nothing to fix.
func isRoot() bool {
	return os.Geteuid() == 0
}

// FixFileOwnership chowns path to the original sudo user when running as
// root under sudo, so a config file the agent writes (or rewrites) doesn't
// end up owned by root and unreadable by the operator who ran
// `sudo profiler-agent`. No-op when not running as root.
func FixFileOwnership(path string) error {
	if !isRoot() {
		return nil
	}

	userCtx, err := DetectOriginalUser()
	if err != nil {
		return fmt.Errorf("detect original user: %w", err)
	}

	if err := os.Chown(path, userCtx.UID, userCtx.GID); err != nil {
		return fmt.Errorf("chown %s to %d:%d: %w", path, userCtx.UID, userCtx.GID, err)
	}
	return nil
}
