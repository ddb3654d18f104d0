package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Superblock magic numbers from linux/magic.h.
var linuxMagic = map[uint32]string{
	0x6969:     "nfs",
	0xFF534D42: "cifs",
	0x517B:     "smbfs",
	0xFE534D42: "smb2",
	0x01021997: "9p",
	0x00C36400: "ceph",
	0x5346414F: "afs",
	0x65735546: "fuse",
}

func filesystemKind(path string) (string, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}
	magic := uint32(st.Type)
	if kind, ok := linuxMagic[magic]; ok {
		return kind, nil
	}
	return fmt.Sprintf("0x%x", magic), nil
}
