package vfs

import "github.com/rclone/tcmur/fs"

// Mode type bits, Unix-style, so a caller can pass a single mode value that
// carries both kind and permissions the way node_add's contract describes
// ("Kind defaults to regular when mode lacks a type bit").
const (
	ModeTypeMask = 0xF000
	ModeDir      = 0x4000
	ModeBlock    = 0x6000
	ModeRegular  = 0x8000

	ModePerm = 0x01FF // low 9 bits
)

// kindOfMode extracts the Kind implied by mode's type bits, defaulting to
// KindRegular when none are set.
func kindOfMode(mode uint32) fs.Kind {
	switch mode & ModeTypeMask {
	case ModeDir:
		return fs.KindDirectory
	case ModeBlock:
		return fs.KindBlock
	default:
		return fs.KindRegular
	}
}

func modeForKind(kind fs.Kind, perm uint32) uint32 {
	perm &= ModePerm
	switch kind {
	case fs.KindDirectory:
		return ModeDir | perm
	case fs.KindBlock:
		return ModeBlock | perm
	default:
		return ModeRegular | perm
	}
}
