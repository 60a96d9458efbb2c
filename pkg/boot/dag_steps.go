package boot

import (
	"context"
	"fmt"
	"os"
	"strconv"

	cnst "github.com/capsule-os/capsule/internal/constants"
	internalUtils "github.com/capsule-os/capsule/internal/utils"
	"github.com/capsule-os/capsule/pkg/loopdev"
	"github.com/capsule-os/capsule/pkg/selfexe"
	"github.com/spectrocloud-labs/herd"
	"golang.org/x/sys/unix"
)

// LocateImageDagStep resolves the byte offset of the embedded filesystem
// image. Stage one already located it before entering the namespace and
// hands it over via the environment; otherwise we parse our own section
// table again.
func (s *State) LocateImageDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpLocateImage, herd.WithCallback(func(_ context.Context) error {
		if v := os.Getenv(cnst.OffsetEnv); v != "" {
			off, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("parsing %s=%q: %w", cnst.OffsetEnv, v, err)
			}
			s.ImageOffset = off
		} else {
			off, err := selfexe.SectionOffset(s.ExePath, cnst.SquashSection)
			if err != nil {
				return err
			}
			s.ImageOffset = off
		}
		internalUtils.Log.Info().Uint64("offset", s.ImageOffset).Str("section", cnst.SquashSection).Msg("embedded image located")
		return nil
	}))
}

// IsolateNamespaceDagStep marks the whole inherited mount tree private and
// recursive so nothing we mount from here on can be observed from, or leak
// events to, any other namespace. The namespace itself was already entered
// when this stage re-exec'ed.
func (s *State) IsolateNamespaceDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpIsolateNamespace,
		herd.WithDeps(cnst.OpLocateImage),
		herd.WithCallback(func(_ context.Context) error {
			if os.Getenv(cnst.StageEnv) != cnst.StageBoot {
				return fmt.Errorf("not inside the boot namespace, refusing to touch the host mount tree")
			}
			if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
				return fmt.Errorf("making / private: %w", err)
			}
			internalUtils.Log.Debug().Msg("mount tree detached from host propagation")
			return nil
		}))
}

// AttachLoopDagStep exposes the embedded image byte range as a read-only
// block device. The slot stays attached for the lifetime of the shell; the
// kernel reclaims it with the namespace.
func (s *State) AttachLoopDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpAttachLoop,
		herd.WithDeps(cnst.OpIsolateNamespace),
		herd.WithCallback(func(_ context.Context) error {
			dev, err := loopdev.Attach(s.ExePath, s.ImageOffset)
			if err != nil {
				return err
			}
			s.LoopDevice = dev.Path
			internalUtils.Log.Info().Str("device", dev.Path).Uint64("offset", s.ImageOffset).Msg("loop device attached")
			return nil
		}))
}

// MountBaseDagStep mounts the scaffold tmpfs and creates the overlay
// directories on it. Backing upper/work with tmpfs keeps every writable byte
// in memory and off the host, and satisfies the overlay driver's
// same-filesystem bookkeeping requirement.
func (s *State) MountBaseDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpMountBase,
		herd.WithDeps(cnst.OpAttachLoop),
		herd.WithCallback(func(ctx context.Context) error {
			if err := s.MountOP("tmpfs", s.BaseDir, "tmpfs", []string{"mode=1777"})(ctx); err != nil {
				return err
			}
			return s.createOverlayDirs()
		}))
}

// MountSquashDagStep mounts the embedded image read-only at lower.
func (s *State) MountSquashDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpMountSquash,
		herd.WithDeps(cnst.OpMountBase),
		herd.WithCallback(func(ctx context.Context) error {
			return s.MountOP(s.LoopDevice, s.lower(), "squashfs", []string{"ro"})(ctx)
		}))
}

// MountOverlayDagStep composes the writable view at merged.
func (s *State) MountOverlayDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpMountOverlay,
		herd.WithDeps(cnst.OpMountSquash),
		herd.WithCallback(func(ctx context.Context) error {
			options := []string{
				fmt.Sprintf("lowerdir=%s", s.lower()),
				fmt.Sprintf("upperdir=%s", s.upper()),
				fmt.Sprintf("workdir=%s", s.work()),
				"xino=off",
			}
			if err := s.MountOP("overlay", s.Merged(), "overlay", options)(ctx); err != nil {
				return err
			}
			s.overlayMounted = true
			return nil
		}))
}

// LoadLayoutDagStep reads the optional etc/capsule.env from the image.
func (s *State) LoadLayoutDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpLoadLayout,
		herd.WithDeps(cnst.OpMountOverlay),
		herd.WithCallback(func(_ context.Context) error {
			return s.ReadLayout()
		}))
}

// EssentialMountsDagStep wires proc, sysfs, the host /dev and devpts under
// the merged root. Any failure is fatal.
func (s *State) EssentialMountsDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpEssentialMounts,
		herd.WithDeps(cnst.OpLoadLayout),
		herd.WithCallback(func(_ context.Context) error {
			return s.WireEnvironment()
		}))
}

// BestEffortMountsDagStep attempts the non-essential pseudo filesystems.
// Never fails the boot.
func (s *State) BestEffortMountsDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpBestEffortMounts,
		herd.WithDeps(cnst.OpEssentialMounts),
		herd.WithCallback(func(_ context.Context) error {
			return s.ApplyMountSpecs(s.BestEffortSpecs())
		}))
}

// HostBridgeDagStep binds the host name-resolution files read-only into the
// new root. Running a shell with silently wrong DNS configuration is worse
// than aborting, so failures here are fatal.
func (s *State) HostBridgeDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpHostBridge,
		herd.WithDeps(cnst.OpBestEffortMounts),
		herd.WithCallback(func(_ context.Context) error {
			for _, file := range cnst.HostBridgeFiles() {
				if err := s.HostBridgeOp(file); err != nil {
					return err
				}
			}
			return nil
		}))
}

// WriteFstabDagStep records the assembled mounts in the new root's fstab.
// Purely diagnostic, so errors are logged but don't stop the boot.
func (s *State) WriteFstabDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpWriteFstab,
		herd.WithDeps(cnst.OpHostBridge),
		herd.WithCallback(func(ctx context.Context) error {
			if err := s.WriteFstab()(ctx); err != nil {
				internalUtils.Log.Warn().Err(err).Msg("writing fstab")
			}
			return nil
		}))
}

// PivotRootDagStep swaps the process root to the merged overlay. No rollback
// on failure: the namespace disappears with the process.
func (s *State) PivotRootDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpPivotRoot,
		herd.WithDeps(cnst.OpWriteFstab),
		herd.WithCallback(func(_ context.Context) error {
			if err := s.pivotToMerged(); err != nil {
				return err
			}
			s.pivoted = true
			internalUtils.Log.Info().Str("oldRoot", "/"+cnst.OldRootPath).Msg("root switched")
			return nil
		}))
}

// ExecShellDagStep replaces the process image with the shell. On success
// this never returns.
func (s *State) ExecShellDagStep(g *herd.Graph) error {
	return g.Add(cnst.OpExecShell,
		herd.WithDeps(cnst.OpPivotRoot),
		herd.WithCallback(func(_ context.Context) error {
			if !s.pivoted {
				return fmt.Errorf("root switch has not happened, refusing to exec")
			}
			internalUtils.Log.Info().Str("shell", s.Shell).Strs("args", s.Args).Msg("handing over")
			return s.execShell()
		}))
}
