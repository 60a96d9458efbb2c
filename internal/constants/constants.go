package constants

import "errors"

var ErrAlreadyMounted = errors.New("already mounted")

const (
	OpIsolateNamespace = "isolate-namespace"
	OpLocateImage      = "locate-image"
	OpAttachLoop       = "attach-loop"

	OpMountBase    = "mount-base"
	OpMountSquash  = "mount-squashfs"
	OpMountOverlay = "mount-overlay"

	OpLoadLayout       = "load-layout"
	OpEssentialMounts  = "essential-mounts"
	OpBestEffortMounts = "best-effort-mounts"
	OpHostBridge       = "host-bridge"
	OpWriteFstab       = "write-fstab"

	OpPivotRoot = "pivot-root"
	OpExecShell = "exec-shell"
)

const (
	// SquashSection is the ELF section carrying the embedded filesystem image.
	SquashSection = ".squashfs"

	// SelfExePath is the on-disk image of the running binary.
	SelfExePath = "/proc/self/exe"

	// BaseDir is where the overlay scaffold lives. We shade an existing,
	// otherwise useless directory with a tmpfs so nothing is ever created
	// on the host filesystem.
	BaseDir = "/proc/self/fd"

	// OldRootPath is where pivot_root parks the previous root, relative to
	// the new root.
	OldRootPath = "mnt/root"

	LayoutFile   = "etc/capsule.env"
	FstabFile    = "etc/fstab"
	DefaultShell = "/bin/sh"

	// StageEnv marks the re-exec'ed process that runs inside the new mount
	// namespace. OffsetEnv carries the image offset located by stage one.
	StageEnv  = "CAPSULE_STAGE"
	OffsetEnv = "CAPSULE_IMAGE_OFFSET"
	DebugEnv  = "CAPSULE_DEBUG"

	StageBoot = "boot"
)

// HostBridgeFiles are bind-mounted from the host into the new root and
// remounted read-only, so name resolution inside the capsule matches the host.
func HostBridgeFiles() []string {
	return []string{"etc/resolv.conf", "etc/hostname", "etc/hosts"}
}
