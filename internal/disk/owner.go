package disk

import (
	"bufio"
	"bytes"
	"fmt"
	"os/user"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

const qemuConfPath = "/etc/libvirt/qemu.conf"

// fallbackQemuID is the qemu uid/gid on Fedora and RHEL.
const fallbackQemuID = 107

// Owner is the uid/gid new disk files are chowned to so the hypervisor's
// QEMU process can open them.
type Owner struct {
	UID int
	GID int
}

// LookupQemuOwner resolves the QEMU process user. It reads the user and group
// configured in qemu.conf, then tries the common account names, then falls
// back to 107:107 and returns an error saying so alongside the fallback.
func LookupQemuOwner(fs afero.Fs) (*Owner, error) {
	username, groupname := configuredQemuUser(fs)

	candidates := []string{"qemu", "libvirt-qemu"}
	if username != "" {
		candidates = append([]string{username}, candidates...)
	}

	for _, name := range candidates {
		u, err := user.Lookup(name)
		if err != nil {
			continue
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			continue
		}
		gid, err := strconv.Atoi(u.Gid)
		if err != nil {
			continue
		}
		if name == username && groupname != "" {
			if g, err := user.LookupGroup(groupname); err == nil {
				if id, err := strconv.Atoi(g.Gid); err == nil {
					gid = id
				}
			}
		}
		return &Owner{UID: uid, GID: gid}, nil
	}

	return &Owner{UID: fallbackQemuID, GID: fallbackQemuID},
		fmt.Errorf("could not determine QEMU user/group, using fallback UID/GID %d", fallbackQemuID)
}

// configuredQemuUser extracts `user = "..."` and `group = "..."` from qemu.conf.
func configuredQemuUser(fs afero.Fs) (username, groupname string) {
	data, err := afero.ReadFile(fs, qemuConfPath)
	if err != nil {
		return "", ""
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		switch strings.TrimSpace(key) {
		case "user":
			username = value
		case "group":
			groupname = value
		}
	}
	return username, groupname
}
