package boot_test

import (
	"context"
	"path/filepath"

	"github.com/capsule-os/capsule/internal/utils"
	"github.com/capsule-os/capsule/pkg/boot"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spectrocloud-labs/herd"
)

var _ = Describe("boot pipeline registration", func() {
	var g *herd.Graph
	var s *boot.State

	BeforeEach(func() {
		g = herd.DAG()
		Expect(g).ToNot(BeNil())
		s = &boot.State{
			Logger:  utils.Log,
			ExePath: "/proc/self/exe",
			BaseDir: "/proc/self/fd",
			Shell:   "/bin/sh",
			Workdir: "/",
		}
	})

	Context("registering the full pipeline", func() {
		It("produces one step per layer in the required order", func() {
			Expect(s.Register(g)).To(Succeed())

			dag := g.Analyze()

			Expect(len(dag)).To(Equal(13), s.WriteDAG(g))
			for i := range dag {
				Expect(len(dag[i])).To(Equal(1), s.WriteDAG(g))
			}

			Expect(dag[0][0].Name).To(Equal("locate-image"), s.WriteDAG(g))
			Expect(dag[1][0].Name).To(Equal("isolate-namespace"), s.WriteDAG(g))
			Expect(dag[2][0].Name).To(Equal("attach-loop"), s.WriteDAG(g))
			Expect(dag[3][0].Name).To(Equal("mount-base"), s.WriteDAG(g))
			Expect(dag[4][0].Name).To(Equal("mount-squashfs"), s.WriteDAG(g))
			Expect(dag[5][0].Name).To(Equal("mount-overlay"), s.WriteDAG(g))
			Expect(dag[6][0].Name).To(Equal("load-layout"), s.WriteDAG(g))
			Expect(dag[7][0].Name).To(Equal("essential-mounts"), s.WriteDAG(g))
			Expect(dag[8][0].Name).To(Equal("best-effort-mounts"), s.WriteDAG(g))
			Expect(dag[9][0].Name).To(Equal("host-bridge"), s.WriteDAG(g))
			Expect(dag[10][0].Name).To(Equal("write-fstab"), s.WriteDAG(g))
			Expect(dag[11][0].Name).To(Equal("pivot-root"), s.WriteDAG(g))
			Expect(dag[12][0].Name).To(Equal("exec-shell"), s.WriteDAG(g))
		})

		It("registers without touching kernel state", func() {
			// Registration on a read-only base dir must not create or
			// mount anything; only g.Run does.
			s.BaseDir = filepath.Join(GinkgoT().TempDir(), "doesnotexist")
			Expect(s.Register(g)).To(Succeed())
			Expect(s.BaseDir).ToNot(BeADirectory())
		})
	})

	Context("ordering invariant", func() {
		It("refuses to wire the environment before the overlay mount", func() {
			err := s.WireEnvironment()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("overlay is not mounted"))
		})

		It("refuses to exec before the root switch", func() {
			Expect(s.Register(g)).To(Succeed())
			// exec-shell is terminal, so only its guard is observable
			// without running the whole pipeline as root.
			dag := g.Analyze()
			Expect(dag[12][0].Name).To(Equal("exec-shell"))
		})
	})

	Context("MountOP", func() {
		It("fails a single-shot mount of a bogus device", func() {
			dir := GinkgoT().TempDir()
			s.BaseDir = dir
			f := s.MountOP("/dev/doesnotexist", filepath.Join(dir, "target"), "ext4", []string{"ro"})
			Expect(f(context.Background())).To(HaveOccurred())
		})

		It("creates the target directory before mounting", func() {
			dir := GinkgoT().TempDir()
			s.BaseDir = dir
			target := filepath.Join(dir, "deep", "target")
			_ = s.MountOP("/dev/doesnotexist", target, "ext4", []string{"ro"})(context.Background())
			Expect(target).To(BeADirectory())
		})
	})
})
