// Package privilege drops root privileges to a configured user and group.
package privilege

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"slices"
	"strconv"
	"syscall"

	"github.com/marmos91/prefork/internal/logger"
)

var (
	// ErrUnknownUser is returned when the configured user does not exist.
	ErrUnknownUser = errors.New("unknown user")

	// ErrUnknownGroup is returned when the configured group does not exist.
	ErrUnknownGroup = errors.New("unknown group")
)

// Identity is the resolved target of a privilege drop.
type Identity struct {
	User  string
	UID   int
	GID   int
	Group string

	// Groups is the supplementary group list: GID first, then the user's
	// other groups.
	Groups []int
}

// Overridden in tests. The syscall versions apply to every OS thread of the
// process, not only the calling one.
var (
	geteuid   = os.Geteuid
	setgroups = syscall.Setgroups
	setgid    = syscall.Setgid
	setuid    = syscall.Setuid
)

// Resolve looks up username and group. An empty group means the user's
// primary group. An empty username with a group only changes the group.
func Resolve(username, group string) (Identity, error) {
	id := Identity{UID: -1, GID: -1}

	if username != "" {
		u, err := user.Lookup(username)
		if err != nil {
			return id, fmt.Errorf("%w %q: %v", ErrUnknownUser, username, err)
		}
		id.User = u.Username
		id.UID, _ = strconv.Atoi(u.Uid)
		id.GID, _ = strconv.Atoi(u.Gid)
		id.Groups = memberOf(u)
	}

	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return id, fmt.Errorf("%w %q: %v", ErrUnknownGroup, group, err)
		}
		id.Group = g.Name
		id.GID, _ = strconv.Atoi(g.Gid)
	}

	if id.GID >= 0 {
		id.Groups = slices.DeleteFunc(id.Groups, func(gid int) bool { return gid == id.GID })
		id.Groups = append([]int{id.GID}, id.Groups...)
	}

	return id, nil
}

// memberOf returns the groups u belongs to. A failed lookup yields none, so
// the drop falls back to the target group alone.
func memberOf(u *user.User) []int {
	ids, err := u.GroupIds()
	if err != nil {
		logger.Debug("Cannot list groups of %s: %v", u.Username, err)
		return nil
	}

	var gids []int
	for _, s := range ids {
		gid, err := strconv.Atoi(s)
		if err != nil || slices.Contains(gids, gid) {
			continue
		}
		gids = append(gids, gid)
	}
	return gids
}

// Drop switches the process to username and group if it runs as root.
// It is a no-op for unprivileged processes.
//
// Supplementary groups are replaced with the target group plus the groups the
// user is a member of, as initgroups(3) does. With only a group configured
// they are reduced to that group. Then the GID and the UID are changed in
// that order, since giving up the UID first would forbid the GID change.
// Every change applies to all threads of the process.
func Drop(username, group string) error {
	if geteuid() != 0 {
		logger.Debug("Not running as root, keeping current privileges")
		return nil
	}
	if username == "" && group == "" {
		logger.Warn("Running as root with no user configured")
		return nil
	}

	id, err := Resolve(username, group)
	if err != nil {
		return err
	}

	if id.GID >= 0 {
		if err := setgroups(id.Groups); err != nil {
			return fmt.Errorf("failed to set supplementary groups: %w", err)
		}
		if err := setgid(id.GID); err != nil {
			return fmt.Errorf("failed to set gid %d: %w", id.GID, err)
		}
	}
	if id.UID >= 0 {
		if err := setuid(id.UID); err != nil {
			return fmt.Errorf("failed to set uid %d: %w", id.UID, err)
		}
	}

	logger.Info("Dropped privileges to uid=%d gid=%d", id.UID, id.GID)
	return nil
}
