package boot

import (
	"github.com/containerd/containerd/mount"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("fstab conversion", func() {
	Context("mountToFstab", func() {
		It("splits key=value options from flags", func() {
			m := mount.Mount{
				Type:    "overlay",
				Source:  "overlay",
				Options: []string{"lowerdir=/lower", "ro", "xino=off"},
			}
			entry := mountToFstab(m)
			Expect(entry.Spec).To(Equal("overlay"))
			Expect(entry.VfsType).To(Equal("overlay"))
			Expect(entry.MntOps).To(HaveKeyWithValue("lowerdir", "/lower"))
			Expect(entry.MntOps).To(HaveKeyWithValue("xino", "off"))
			Expect(entry.MntOps).To(HaveKeyWithValue("ro", ""))
			Expect(entry.Freq).To(Equal(0))
			Expect(entry.PassNo).To(Equal(0))
		})

		It("keeps values containing an equals sign whole", func() {
			m := mount.Mount{Type: "tmpfs", Source: "tmpfs", Options: []string{"mode=a=b"}}
			entry := mountToFstab(m)
			Expect(entry.MntOps).To(HaveKeyWithValue("mode", "a=b"))
		})
	})
})
