package boot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/capsule-os/capsule/internal/constants"
	internalUtils "github.com/capsule-os/capsule/internal/utils"
	"github.com/capsule-os/capsule/pkg/schema"
	"github.com/containerd/containerd/mount"
	"github.com/deniswernert/go-fstab"
	"github.com/hashicorp/go-multierror"
)

// MountSpec is one declarative mount attempt. Required failures abort the
// boot; the rest are logged and skipped.
type MountSpec struct {
	Name        string
	MountOption mount.Mount
	Target      string
	Required    bool
}

// EssentialSpecs are the mounts without which the shell environment is not
// minimally usable.
func (s *State) EssentialSpecs() []MountSpec {
	return []MountSpec{
		{Name: "proc", MountOption: mount.Mount{Type: "proc", Source: "proc"}, Target: s.rootPath("proc"), Required: true},
		{Name: "sysfs", MountOption: mount.Mount{Type: "sysfs", Source: "sysfs"}, Target: s.rootPath("sys"), Required: true},
		{Name: "dev", MountOption: mount.Mount{Type: "none", Source: "/dev", Options: []string{"bind"}}, Target: s.rootPath("dev"), Required: true},
		{Name: "devpts", MountOption: mount.Mount{Type: "devpts", Source: "devpts"}, Target: s.rootPath("dev/pts"), Required: true},
	}
}

// BestEffortSpecs are pseudo filesystems that are frequently unavailable or
// restricted on nested hosts. None of them blocks the boot.
func (s *State) BestEffortSpecs() []MountSpec {
	table := []struct {
		fstype string
		target string
	}{
		{"mqueue", "dev/mqueue"},
		// docker mounts it under the source name "cgroup" but the kernel
		// calls the type cgroup2, so we go that way
		{"cgroup2", "sys/fs/cgroup"},
		{"bpf", "sys/fs/bpf"},
		{"configfs", "sys/kernel/config"},
		{"tracefs", "sys/kernel/tracing"},
		{"efivarfs", "sys/firmware/efi/efivars"},
		{"securityfs", "sys/kernel/security"},
		{"pstore", "sys/fs/pstore"},
		{"hugetlbfs", "dev/hugepages"},
		{"binfmt_misc", "proc/sys/fs/binfmt_misc"},
		{"fusectl", "sys/fs/fuse/connections"},
		{"debugfs", "sys/kernel/debug"},
	}

	var specs []MountSpec
	for _, entry := range table {
		specs = append(specs, MountSpec{
			Name:        entry.fstype,
			MountOption: mount.Mount{Type: entry.fstype, Source: entry.fstype},
			Target:      s.rootPath(entry.target),
		})
	}

	// fstype:target pairs from the image layout file
	for _, extra := range s.ExtraMounts {
		dat := strings.SplitN(extra, ":", 2)
		if len(dat) != 2 {
			internalUtils.Log.Warn().Str("entry", extra).Msg("malformed extra mount, want fstype:target")
			continue
		}
		specs = append(specs, MountSpec{
			Name:        dat[0],
			MountOption: mount.Mount{Type: dat[0], Source: dat[0]},
			Target:      s.rootPath(dat[1]),
		})
	}
	return specs
}

// WireEnvironment mounts the essential pseudo filesystems under the merged
// root. Refuses to run before the overlay is up: attempting these mounts
// earlier would target scaffold directories instead of the composed root.
func (s *State) WireEnvironment() error {
	if !s.overlayMounted {
		return fmt.Errorf("overlay is not mounted, refusing to wire the environment")
	}
	return s.ApplyMountSpecs(s.EssentialSpecs())
}

// ApplyMountSpecs runs the given specs in order through one executor. A
// required failure is returned immediately; best-effort failures are logged
// per filesystem and aggregated into a single degraded summary.
func (s *State) ApplyMountSpecs(specs []MountSpec) error {
	var degraded *multierror.Error

	for _, spec := range specs {
		l := internalUtils.Log.With().Str("fs", spec.Name).Str("target", spec.Target).Logger()
		err := s.mountSpec(spec)
		if errors.Is(err, constants.ErrAlreadyMounted) {
			l.Debug().Msg("Already mounted")
			continue
		}
		if err != nil {
			if spec.Required {
				l.Err(err).Msg("required mount failed")
				return fmt.Errorf("required mount %s on %s: %w", spec.Name, spec.Target, err)
			}
			l.Warn().Err(err).Msg("skipping optional filesystem")
			degraded = multierror.Append(degraded, fmt.Errorf("%s on %s: %w", spec.Name, spec.Target, err))
			continue
		}
		l.Debug().Msg("mounted")
	}

	if degraded != nil && len(degraded.Errors) > 0 {
		internalUtils.Log.Warn().Int("count", len(degraded.Errors)).Msg("continuing with some filesystems absent")
	}
	return nil
}

func (s *State) mountSpec(spec MountSpec) error {
	tmpFstab := mountToFstab(spec.MountOption)
	tmpFstab.File = internalUtils.CleanRootForFstab(s.Merged(), spec.Target)
	op := mountOperation{
		MountOption: spec.MountOption,
		FstabEntry:  *tmpFstab,
		Target:      spec.Target,
		PrepareCallback: func() error {
			return internalUtils.CreateIfNotExists(spec.Target)
		},
	}
	err := op.run()
	if err == nil {
		s.fstabs = append(s.fstabs, tmpFstab)
	}
	return err
}

// MountOP creates and executes a single mount operation. There is no retry:
// mount failures at this stage are structural, not transient.
func (s *State) MountOP(what, where, t string, options []string) func(context.Context) error {
	return func(_ context.Context) error {
		l := internalUtils.Log.With().Str("what", what).Str("where", where).Str("type", t).Strs("options", options).Logger()
		if err := internalUtils.CreateIfNotExists(where); err != nil {
			l.Err(err).Msg("Creating dir")
			return err
		}

		mountPoint := mount.Mount{
			Type:    t,
			Source:  what,
			Options: options,
		}
		tmpFstab := mountToFstab(mountPoint)
		tmpFstab.File = internalUtils.CleanRootForFstab(s.Merged(), where)
		op := mountOperation{
			MountOption: mountPoint,
			FstabEntry:  *tmpFstab,
			Target:      where,
		}

		err := op.run()
		if err == nil && strings.HasPrefix(where, s.Merged()) {
			s.fstabs = append(s.fstabs, tmpFstab)
		}
		if err != nil && !errors.Is(err, constants.ErrAlreadyMounted) {
			l.Err(err).Send()
			return err
		}
		l.Debug().Msg("mount done")
		return nil
	}
}

// HostBridgeOp binds one host file into the new root and remounts it
// read-only in place. A single mount cannot both bind and apply read-only
// semantics atomically, hence the two calls.
func (s *State) HostBridgeOp(file string) error {
	src := "/" + file
	dst := s.rootPath(file)
	l := internalUtils.Log.With().Str("what", src).Str("where", dst).Logger()

	if err := internalUtils.TouchFile(dst); err != nil {
		l.Err(err).Msg("creating bind target")
		return err
	}
	if err := mount.All([]mount.Mount{{Type: "none", Source: src, Options: []string{"bind"}}}, dst); err != nil {
		l.Err(err).Msg("bind mount")
		return fmt.Errorf("binding %s on %s: %w", src, dst, err)
	}
	if err := mount.All([]mount.Mount{{Type: "none", Source: "none", Options: []string{"remount", "bind", "ro"}}}, dst); err != nil {
		l.Err(err).Msg("read-only remount")
		return fmt.Errorf("read-only remount of %s: %w", dst, err)
	}
	l.Debug().Msg("host file bridged")
	return nil
}

func mountToFstab(m mount.Mount) *fstab.Mount {
	opts := map[string]string{}
	for _, o := range m.Options {
		if strings.Contains(o, "=") {
			dat := strings.SplitN(o, "=", 2)
			opts[dat[0]] = dat[1]
		} else {
			opts[o] = ""
		}
	}
	return &fstab.Mount{
		Spec:    m.Source,
		VfsType: m.Type,
		MntOps:  opts,
		Freq:    0,
		PassNo:  0,
	}
}

// ReadLayout loads the optional per-image configuration from the merged root
// and fills in shell, workdir and extra mounts. A missing file keeps the
// defaults.
func (s *State) ReadLayout() error {
	file := s.rootPath(constants.LayoutFile)
	if _, err := os.Stat(file); os.IsNotExist(err) {
		internalUtils.Log.Debug().Str("file", file).Msg("no layout file in image")
		return nil
	}

	env, err := internalUtils.ReadEnv(file)
	if err != nil {
		return fmt.Errorf("reading layout %s: %w", file, err)
	}

	layout := schema.Layout{
		Shell:       env["SHELL"],
		Workdir:     env["WORKDIR"],
		ExtraMounts: internalUtils.UniqueSlice(internalUtils.CleanupSlice(strings.Split(env["EXTRA_MOUNTS"], " "))),
	}

	if layout.Shell != "" {
		s.Shell = layout.Shell
	}
	if layout.Workdir != "" {
		s.Workdir = layout.Workdir
	}
	s.ExtraMounts = layout.ExtraMounts

	internalUtils.Log.Debug().Str("shell", s.Shell).Str("workdir", s.Workdir).Strs("extraMounts", s.ExtraMounts).Msg("layout loaded")
	return nil
}
