package fuse

import "golang.org/x/sys/unix"

// Thin wrappers around golang.org/x/sys/unix's xattr syscalls, isolated
// here so FileNode's Getxattr/Setxattr/Listxattr/Removexattr stay
// syscall-free. No higher-level xattr library appears anywhere in the pack;
// go-fuse itself only consumes xattr values, it never sets them host-side.

func unixGetxattr(path, attr string, dest []byte) (int, error) {
	return unix.Getxattr(path, attr, dest)
}

func unixSetxattr(path, attr string, data []byte, flags int) error {
	return unix.Setxattr(path, attr, data, flags)
}

func unixListxattr(path string, dest []byte) (int, error) {
	return unix.Listxattr(path, dest)
}

func unixRemovexattr(path, attr string) error {
	return unix.Removexattr(path, attr)
}
