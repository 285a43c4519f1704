package loader_test

import (
	"encoding/binary"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/axsim/emu"
	"github.com/sarchlab/axsim/loader"
)

// elfSegment describes one PT_LOAD entry for buildAlphaELF.
type elfSegment struct {
	vaddr  uint64
	data   []byte
	memsz  uint64
	pflags uint32
}

// buildAlphaELF writes a minimal little-endian Alpha ELF64 executable
// with the given loadable segments.
func buildAlphaELF(path string, machine uint16, entry uint64,
	segs []elfSegment) {
	const ehSize = 64
	const phSize = 56

	header := make([]byte, ehSize)
	copy(header[0:4], []byte{0x7f, 'E', 'L', 'F'})
	header[4] = 2 // ELFCLASS64
	header[5] = 1 // little endian
	header[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(header[16:18], 2) // ET_EXEC
	binary.LittleEndian.PutUint16(header[18:20], machine)
	binary.LittleEndian.PutUint32(header[20:24], 1)
	binary.LittleEndian.PutUint64(header[24:32], entry)
	binary.LittleEndian.PutUint64(header[32:40], ehSize) // phoff
	binary.LittleEndian.PutUint16(header[52:54], ehSize)
	binary.LittleEndian.PutUint16(header[54:56], phSize)
	binary.LittleEndian.PutUint16(header[56:58], uint16(len(segs)))
	binary.LittleEndian.PutUint16(header[58:60], 64) // shentsize

	dataOffset := uint64(ehSize + phSize*len(segs))
	var phdrs, payload []byte
	for _, seg := range segs {
		phdr := make([]byte, phSize)
		binary.LittleEndian.PutUint32(phdr[0:4], 1) // PT_LOAD
		binary.LittleEndian.PutUint32(phdr[4:8], seg.pflags)
		binary.LittleEndian.PutUint64(phdr[8:16], dataOffset)
		binary.LittleEndian.PutUint64(phdr[16:24], seg.vaddr)
		binary.LittleEndian.PutUint64(phdr[24:32], seg.vaddr)
		binary.LittleEndian.PutUint64(phdr[32:40], uint64(len(seg.data)))
		binary.LittleEndian.PutUint64(phdr[40:48], seg.memsz)
		binary.LittleEndian.PutUint64(phdr[48:56], 0x1000)
		phdrs = append(phdrs, phdr...)
		payload = append(payload, seg.data...)
		dataOffset += uint64(len(seg.data))
	}

	content := append(header, phdrs...)
	content = append(content, payload...)
	Expect(os.WriteFile(path, content, 0o644)).To(Succeed())
}

var _ = Describe("ELF Loader", func() {
	const emAlphaStd = 41

	var tempDir string

	BeforeEach(func() {
		tempDir = GinkgoT().TempDir()
	})

	It("should load a minimal Alpha executable", func() {
		code := []byte{0x1F, 0x04, 0xFF, 0x47} // BIS R31,R31,R31
		path := filepath.Join(tempDir, "minimal.elf")
		buildAlphaELF(path, emAlphaStd, 0x120000000, []elfSegment{
			{vaddr: 0x120000000, data: code,
				memsz: uint64(len(code)), pflags: 0x5}, // PF_R|PF_X
		})

		prog, err := loader.LoadELF(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(prog.EntryPoint).To(Equal(uint64(0x120000000)))
		Expect(prog.InitialSP).To(Equal(uint64(loader.DefaultStackTop)))
		Expect(prog.Segments).To(HaveLen(1))
		Expect(prog.Segments[0].Base).To(Equal(uint64(0x120000000)))
		Expect(prog.Segments[0].Data).To(Equal(code))
		Expect(prog.Segments[0].Flags & loader.SegmentFlagExecute).
			NotTo(BeZero())
		Expect(prog.Segments[0].Flags & loader.SegmentFlagWrite).
			To(BeZero())
	})

	It("should accept the unofficial Alpha machine value", func() {
		code := []byte{0x1F, 0x04, 0xFF, 0x47}
		path := filepath.Join(tempDir, "old-machine.elf")
		buildAlphaELF(path, 0x9026, 0x10000, []elfSegment{
			{vaddr: 0x10000, data: code,
				memsz: uint64(len(code)), pflags: 0x5},
		})

		prog, err := loader.LoadELF(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(prog.EntryPoint).To(Equal(uint64(0x10000)))
	})

	It("should reject a non-Alpha executable", func() {
		path := filepath.Join(tempDir, "x86.elf")
		buildAlphaELF(path, 62, 0x400000, nil) // EM_X86_64

		_, err := loader.LoadELF(path)
		Expect(err).To(MatchError(ContainSubstring("not an Alpha")))
	})

	It("should reject a non-ELF file", func() {
		path := filepath.Join(tempDir, "garbage.elf")
		Expect(os.WriteFile(path, []byte("garbage"), 0o644)).To(Succeed())

		_, err := loader.LoadELF(path)
		Expect(err).To(MatchError(ContainSubstring("failed to open")))
	})

	It("should load multiple segments with their flags", func() {
		code := []byte{0x1F, 0x04, 0xFF, 0x47}
		data := []byte{0x01, 0x02, 0x03, 0x04}
		path := filepath.Join(tempDir, "multi.elf")
		buildAlphaELF(path, emAlphaStd, 0x120000000, []elfSegment{
			{vaddr: 0x120000000, data: code,
				memsz: uint64(len(code)), pflags: 0x5}, // PF_R|PF_X
			{vaddr: 0x140000000, data: data,
				memsz: uint64(len(data)), pflags: 0x6}, // PF_R|PF_W
		})

		prog, err := loader.LoadELF(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(prog.Segments).To(HaveLen(2))

		var codeSeg, dataSeg *loader.Segment
		for i := range prog.Segments {
			switch prog.Segments[i].Base {
			case 0x120000000:
				codeSeg = &prog.Segments[i]
			case 0x140000000:
				dataSeg = &prog.Segments[i]
			}
		}

		Expect(codeSeg).NotTo(BeNil())
		Expect(codeSeg.Data).To(Equal(code))
		Expect(codeSeg.Flags & loader.SegmentFlagExecute).NotTo(BeZero())

		Expect(dataSeg).NotTo(BeNil())
		Expect(dataSeg.Data).To(Equal(data))
		Expect(dataSeg.Flags & loader.SegmentFlagWrite).NotTo(BeZero())
	})

	It("should carry BSS regions where MemSize exceeds the file data", func() {
		initial := []byte{0x11, 0x22, 0x33, 0x44}
		path := filepath.Join(tempDir, "bss.elf")
		buildAlphaELF(path, emAlphaStd, 0x10000, []elfSegment{
			{vaddr: 0x20000, data: initial, memsz: 1024, pflags: 0x6},
		})

		prog, err := loader.LoadELF(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(prog.Segments).To(HaveLen(1))
		Expect(prog.Segments[0].Data).To(Equal(initial))
		Expect(prog.Segments[0].MemSize).To(Equal(uint64(1024)))

		memory := emu.NewMemory()
		memory.Write8(0x20008, 0xAA)
		prog.Install(memory)
		Expect(memory.Read32(0x20000)).To(Equal(uint32(0x44332211)))
		Expect(memory.Read8(0x20008)).To(Equal(byte(0)))
	})

	It("should be picked up by Load through the ELF magic", func() {
		code := []byte{0x1F, 0x04, 0xFF, 0x47}
		path := filepath.Join(tempDir, "auto.elf")
		buildAlphaELF(path, emAlphaStd, 0x120000000, []elfSegment{
			{vaddr: 0x120000000, data: code,
				memsz: uint64(len(code)), pflags: 0x5},
		})

		prog, err := loader.Load(path, 0x10000)
		Expect(err).NotTo(HaveOccurred())
		Expect(prog.EntryPoint).To(Equal(uint64(0x120000000)))
	})
})
