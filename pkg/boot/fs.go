package boot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/capsule-os/capsule/internal/constants"
	internalUtils "github.com/capsule-os/capsule/internal/utils"
	"golang.org/x/sys/unix"
)

// createOverlayDirs builds the lower/work/upper/merged scaffold on the
// freshly mounted base tmpfs, owner-only.
func (s *State) createOverlayDirs() error {
	for _, dir := range []string{s.lower(), s.work(), s.upper(), s.Merged()} {
		if err := os.Mkdir(dir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// pivotToMerged makes the merged overlay the process root, parking the old
// root at a fixed mountpoint inside it for diagnostic access. The merged dir
// is a mount point in its own right (the overlay mount), which pivot_root
// requires.
func (s *State) pivotToMerged() error {
	putOld := s.rootPath(constants.OldRootPath)
	if err := os.MkdirAll(putOld, 0o700); err != nil {
		return fmt.Errorf("creating old root mountpoint %s: %w", putOld, err)
	}

	if err := unix.PivotRoot(s.Merged(), putOld); err != nil {
		return fmt.Errorf("pivoting to %s: %w", s.Merged(), err)
	}

	if err := unix.Chdir(s.Workdir); err != nil {
		return fmt.Errorf("changing directory to %s: %w", s.Workdir, err)
	}
	return nil
}

// execShell replaces the process image with the shell, forwarding the
// original arguments with argv[0] rewritten. The environment is empty on
// purpose: nothing from the bootstrapper leaks into the shell.
func (s *State) execShell() error {
	argv := append([]string{filepath.Base(s.Shell)}, s.Args...)
	if err := unix.Exec(s.Shell, argv, []string{}); err != nil {
		return fmt.Errorf("exec %s: %w", s.Shell, err)
	}
	return nil
}

// WriteFstab dumps every recorded mount into the new root's fstab.
func (s *State) WriteFstab() func(context.Context) error {
	return func(ctx context.Context) error {
		fstabFile := s.rootPath(constants.FstabFile)
		f, err := os.Create(fstabFile)
		if err != nil {
			return err
		}
		defer f.Close()
		for _, fst := range s.fstabs {
			internalUtils.Log.Debug().Str("what", fst.String()).Msg("Adding line to fstab")
			select {
			case <-ctx.Done():
			default:
				if _, err := f.WriteString(fmt.Sprintf("%s\n", fst.String())); err != nil {
					return err
				}
			}
		}
		return nil
	}
}
