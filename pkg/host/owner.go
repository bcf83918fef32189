// Package host implements the resource providers against the local machine.
package host

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"

	"github.com/spf13/afero"
)

// IDResolver maps an owner and group name to numeric ids. -1 means unset.
type IDResolver func(owner, group string) (uid, gid int, err error)

// LookupIDs resolves names through the system account database. Numeric
// strings are accepted as ids.
func LookupIDs(owner, group string) (int, int, error) {
	uid, gid := -1, -1

	if owner != "" {
		if u, err := user.Lookup(owner); err == nil {
			uid, _ = strconv.Atoi(u.Uid)
		} else if parsed, err := strconv.Atoi(owner); err == nil {
			uid = parsed
		} else {
			return -1, -1, fmt.Errorf("unknown user: %s", owner)
		}
	}

	if group != "" {
		if g, err := user.LookupGroup(group); err == nil {
			gid, _ = strconv.Atoi(g.Gid)
		} else if parsed, err := strconv.Atoi(group); err == nil {
			gid = parsed
		} else {
			return -1, -1, fmt.Errorf("unknown group: %s", group)
		}
	}

	return uid, gid, nil
}

func parseMode(mode string, def os.FileMode) (os.FileMode, error) {
	if mode == "" {
		return def, nil
	}
	parsed, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", mode, err)
	}
	return os.FileMode(parsed), nil
}

// ownedBy reports the uid and gid of fi when the filesystem exposes them.
func ownedBy(fi os.FileInfo) (uid, gid int, ok bool) {
	if st, isStat := fi.Sys().(*syscall.Stat_t); isStat {
		return int(st.Uid), int(st.Gid), true
	}
	return 0, 0, false
}

// applyAttributes sets mode and ownership on path, reporting whether
// anything differed.
func applyAttributes(fs afero.Fs, resolve IDResolver, path string, mode os.FileMode, owner, group string, dryRun bool) (bool, error) {
	fi, err := fs.Stat(path)
	if err != nil {
		return false, err
	}

	changed := false
	if mode != 0 && fi.Mode().Perm() != mode.Perm() {
		changed = true
		if !dryRun {
			if err := fs.Chmod(path, mode); err != nil {
				return false, fmt.Errorf("failed to set file mode: %w", err)
			}
		}
	}

	if owner == "" && group == "" {
		return changed, nil
	}
	uid, gid, err := resolve(owner, group)
	if err != nil {
		return false, err
	}
	if curUID, curGID, ok := ownedBy(fi); ok {
		if (uid == -1 || uid == curUID) && (gid == -1 || gid == curGID) {
			return changed, nil
		}
	}
	if uid == -1 && gid == -1 {
		return changed, nil
	}
	if dryRun {
		return true, nil
	}
	if err := fs.Chown(path, uid, gid); err != nil {
		return false, fmt.Errorf("failed to set ownership: %w", err)
	}
	_, _, known := ownedBy(fi)
	return changed || known, nil
}
