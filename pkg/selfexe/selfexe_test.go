package selfexe_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"

	"github.com/capsule-os/capsule/pkg/selfexe"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// writeELF builds a minimal 64-bit little-endian ELF with an optional
// .squashfs section whose payload sits at payloadOff. The section's virtual
// address is deliberately different from its file offset.
func writeELF(path string, payload []byte, payloadOff uint64, withImage bool) error {
	var buf bytes.Buffer
	var names []byte
	var squashName, strtabName uint32

	names = append(names, 0)
	if withImage {
		squashName = uint32(len(names))
		names = append(names, []byte(".squashfs\x00")...)
	}
	strtabName = uint32(len(names))
	names = append(names, []byte(".shstrtab\x00")...)

	shnum := uint16(2)
	if withImage {
		shnum = 3
	}

	strtabOff := payloadOff + uint64(len(payload))
	shoff := strtabOff + uint64(len(names))
	if pad := shoff % 8; pad != 0 {
		shoff += 8 - pad
	}

	hdr := elf.Header64{
		Ident: [16]byte{
			0x7f, 'E', 'L', 'F',
			byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT),
		},
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    64,
		Shentsize: 64,
		Shnum:     shnum,
		Shstrndx:  shnum - 1,
	}
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return err
	}

	buf.Write(make([]byte, int(payloadOff)-buf.Len()))
	buf.Write(payload)
	buf.Write(names)
	buf.Write(make([]byte, int(shoff)-buf.Len()))

	sections := []elf.Section64{{}}
	if withImage {
		sections = append(sections, elf.Section64{
			Name: squashName,
			Type: uint32(elf.SHT_PROGBITS),
			Addr: 0x400000 + payloadOff,
			Off:  payloadOff,
			Size: uint64(len(payload)),
		})
	}
	sections = append(sections, elf.Section64{
		Name: strtabName,
		Type: uint32(elf.SHT_STRTAB),
		Off:  strtabOff,
		Size: uint64(len(names)),
	})
	for _, s := range sections {
		if err := binary.Write(&buf, binary.LittleEndian, &s); err != nil {
			return err
		}
	}

	return os.WriteFile(path, buf.Bytes(), 0o755)
}

var _ = Describe("locating the embedded image", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	Context("binary with a .squashfs section", func() {
		It("returns the section file offset", func() {
			bin := filepath.Join(dir, "capsule")
			Expect(writeELF(bin, bytes.Repeat([]byte{0xaa}, 512), 0x1000, true)).To(Succeed())

			off, err := selfexe.SectionOffset(bin, ".squashfs")
			Expect(err).ToNot(HaveOccurred())
			Expect(off).To(Equal(uint64(0x1000)))
		})

		It("returns the same offset regardless of payload size", func() {
			for _, size := range []int{64, 4096, 1 << 16} {
				bin := filepath.Join(dir, "capsule")
				Expect(writeELF(bin, bytes.Repeat([]byte{0x55}, size), 0x2000, true)).To(Succeed())

				off, err := selfexe.SectionOffset(bin, ".squashfs")
				Expect(err).ToNot(HaveOccurred())
				Expect(off).To(Equal(uint64(0x2000)))
			}
		})

		It("uses the file offset, not the virtual address", func() {
			bin := filepath.Join(dir, "capsule")
			Expect(writeELF(bin, []byte("squash"), 0x3000, true)).To(Succeed())

			off, err := selfexe.SectionOffset(bin, ".squashfs")
			Expect(err).ToNot(HaveOccurred())
			Expect(off).ToNot(Equal(uint64(0x400000 + 0x3000)))
			Expect(off).To(Equal(uint64(0x3000)))
		})
	})

	Context("binary without the section", func() {
		It("fails with ErrSectionNotFound", func() {
			bin := filepath.Join(dir, "plain")
			Expect(writeELF(bin, nil, 0x1000, false)).To(Succeed())

			_, err := selfexe.SectionOffset(bin, ".squashfs")
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, selfexe.ErrSectionNotFound)).To(BeTrue())
		})

		It("fails on the test binary itself", func() {
			self, err := os.Executable()
			Expect(err).ToNot(HaveOccurred())

			_, err = selfexe.SectionOffset(self, ".squashfs")
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, selfexe.ErrSectionNotFound)).To(BeTrue())
		})
	})

	Context("file that is not an ELF", func() {
		It("fails with a parse error", func() {
			bin := filepath.Join(dir, "garbage")
			Expect(os.WriteFile(bin, []byte("not an executable"), 0o644)).To(Succeed())

			_, err := selfexe.SectionOffset(bin, ".squashfs")
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, selfexe.ErrSectionNotFound)).To(BeFalse())
		})
	})
})
