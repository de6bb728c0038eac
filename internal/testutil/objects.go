package testutil

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var elfMachines = map[string]elf.Machine{
	"amd64":   elf.EM_X86_64,
	"386":     elf.EM_386,
	"arm64":   elf.EM_AARCH64,
	"arm":     elf.EM_ARM,
	"riscv64": elf.EM_RISCV,
	"s390x":   elf.EM_S390,
	"loong64": elf.EM_LOONGARCH,
}

// OtherArch returns an architecture name that differs from arch
func OtherArch(arch string) string {
	if arch == "s390x" {
		return "amd64"
	}
	return "s390x"
}

// ELFHeader returns the bytes of a section-less 64-bit ELF shared object for the given GOARCH.
// It is enough for architecture detection but cannot be loaded.
func ELFHeader(t testing.TB, arch string) []byte {
	t.Helper()
	machine, ok := elfMachines[arch]
	if !ok {
		t.Skipf("no ELF machine known for %s", arch)
	}
	var order binary.ByteOrder = binary.LittleEndian
	data := elf.ELFDATA2LSB
	if arch == "s390x" {
		order, data = binary.BigEndian, elf.ELFDATA2MSB
	}
	hdr := elf.Header64{
		Type:    uint16(elf.ET_DYN),
		Machine: uint16(machine),
		Version: uint32(elf.EV_CURRENT),
		Ehsize:  uint16(binary.Size(elf.Header64{})),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(data)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	buf := bytes.Buffer{}
	require.NoError(t, binary.Write(&buf, order, &hdr))
	return buf.Bytes()
}

// WriteObject creates, with any missing parent directory, a fake shared object for arch at path
func WriteObject(t testing.TB, path, arch string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, ELFHeader(t, arch), 0o644))
	return path
}
