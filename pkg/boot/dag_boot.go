package boot

import (
	"github.com/spectrocloud-labs/herd"
)

// Register builds the boot pipeline as a DAG with tight dependencies, which
// makes the hard total order between steps explicit: locate the image, seal
// the namespace, expose the image as a block device, assemble the overlay,
// wire the environment, switch root, exec. Every step is one-shot; any fatal
// failure aborts the run and the namespace teardown undoes the rest.
func (s *State) Register(g *herd.Graph) error {
	if err := s.LogIfErrorAndReturn(s.LocateImageDagStep(g), "locate image step"); err != nil {
		return err
	}
	if err := s.LogIfErrorAndReturn(s.IsolateNamespaceDagStep(g), "isolate namespace step"); err != nil {
		return err
	}
	if err := s.LogIfErrorAndReturn(s.AttachLoopDagStep(g), "attach loop step"); err != nil {
		return err
	}
	if err := s.LogIfErrorAndReturn(s.MountBaseDagStep(g), "base tmpfs step"); err != nil {
		return err
	}
	if err := s.LogIfErrorAndReturn(s.MountSquashDagStep(g), "squashfs mount step"); err != nil {
		return err
	}
	if err := s.LogIfErrorAndReturn(s.MountOverlayDagStep(g), "overlay mount step"); err != nil {
		return err
	}
	if err := s.LogIfErrorAndReturn(s.LoadLayoutDagStep(g), "load layout step"); err != nil {
		return err
	}
	if err := s.LogIfErrorAndReturn(s.EssentialMountsDagStep(g), "essential mounts step"); err != nil {
		return err
	}
	if err := s.LogIfErrorAndReturn(s.BestEffortMountsDagStep(g), "best-effort mounts step"); err != nil {
		return err
	}
	if err := s.LogIfErrorAndReturn(s.HostBridgeDagStep(g), "host bridge step"); err != nil {
		return err
	}
	if err := s.LogIfErrorAndReturn(s.WriteFstabDagStep(g), "write fstab step"); err != nil {
		return err
	}
	if err := s.LogIfErrorAndReturn(s.PivotRootDagStep(g), "pivot root step"); err != nil {
		return err
	}
	return s.LogIfErrorAndReturn(s.ExecShellDagStep(g), "exec shell step")
}
