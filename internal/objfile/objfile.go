// Package objfile inspects shared-object files on disk: their target architecture and the
// location of their exported dynamic symbols.
package objfile

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const cacheSize = 128

var (
	ErrUnknownFormat  = errors.New("not an ELF, PE or Mach-O object")
	ErrUnknownMachine = errors.New("unknown machine type")
	ErrSymbolNotFound = errors.New("symbol not found")
)

// fileKey identifies a file revision so that a replaced file is inspected again
type fileKey struct {
	path  string
	size  int64
	mtime time.Time
}

type fileInfo struct {
	arch string

	symOnce sync.Once
	symbols map[string]uint64
	symErr  error
}

var cache = sync.OnceValue(func() *lru.Cache[fileKey, *fileInfo] {
	c, err := lru.New[fileKey, *fileInfo](cacheSize)
	if err != nil {
		// only happens with a non-positive size
		panic(err)
	}
	return c
})

// loads deduplicates the concurrent inspections of the same file revision
var loads singleflight.Group

func keyOf(path string) (fileKey, error) {
	st, err := os.Stat(path)
	if err != nil {
		return fileKey{}, err
	}
	if !st.Mode().IsRegular() {
		return fileKey{}, fmt.Errorf("%s: not a regular file", path)
	}
	return fileKey{path: path, size: st.Size(), mtime: st.ModTime()}, nil
}

func lookup(path string) (*fileInfo, error) {
	key, err := keyOf(path)
	if err != nil {
		return nil, err
	}
	if fi, ok := cache().Get(key); ok {
		return fi, nil
	}
	v, err, _ := loads.Do(fmt.Sprintf("%s\x00%d\x00%d", key.path, key.size, key.mtime.UnixNano()), func() (any, error) {
		arch, err := readArch(path)
		if err != nil {
			return nil, err
		}
		fi := &fileInfo{arch: arch}
		cache().Add(key, fi)
		return fi, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*fileInfo), nil
}

// Arch returns the GOARCH name of the machine the object file at path was built for.
func Arch(path string) (string, error) {
	fi, err := lookup(path)
	if err != nil {
		return "", err
	}
	return fi.arch, nil
}

// SymbolOffset returns the address of the exported function symbol relative to the load base of
// the ELF shared object at path. Adding it to the start address of the object's first mapping in
// a process gives the symbol's address in that process.
func SymbolOffset(path, symbol string) (uint64, error) {
	fi, err := lookup(path)
	if err != nil {
		return 0, err
	}
	fi.symOnce.Do(func() {
		fi.symbols, fi.symErr = readDynamicSymbols(path)
	})
	if fi.symErr != nil {
		return 0, fi.symErr
	}
	off, ok := fi.symbols[symbol]
	if !ok {
		return 0, fmt.Errorf("%s in %s: %w", symbol, path, ErrSymbolNotFound)
	}
	return off, nil
}

var (
	machoMagics = [][]byte{
		{0xfe, 0xed, 0xfa, 0xce}, {0xfe, 0xed, 0xfa, 0xcf},
		{0xce, 0xfa, 0xed, 0xfe}, {0xcf, 0xfa, 0xed, 0xfe},
	}
	fatMagic = []byte{0xca, 0xfe, 0xba, 0xbe}
)

func readArch(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return "", fmt.Errorf("%s: %w", path, ErrUnknownFormat)
	}

	switch {
	case bytes.Equal(magic, []byte(elf.ELFMAG)):
		ef, err := elf.NewFile(f)
		if err != nil {
			return "", fmt.Errorf("parsing ELF %s: %w", path, err)
		}
		return elfArch(ef)
	case bytes.Equal(magic[:2], []byte("MZ")):
		pf, err := pe.NewFile(f)
		if err != nil {
			return "", fmt.Errorf("parsing PE %s: %w", path, err)
		}
		return peArch(pf.Machine)
	case bytes.Equal(magic, fatMagic):
		ff, err := macho.NewFatFile(f)
		if err != nil {
			return "", fmt.Errorf("parsing universal Mach-O %s: %w", path, err)
		}
		return fatArch(ff)
	}
	for _, m := range machoMagics {
		if bytes.Equal(magic, m) {
			mf, err := macho.NewFile(f)
			if err != nil {
				return "", fmt.Errorf("parsing Mach-O %s: %w", path, err)
			}
			return machoArch(mf.Cpu)
		}
	}
	return "", fmt.Errorf("%s: %w", path, ErrUnknownFormat)
}

func elfArch(f *elf.File) (string, error) {
	switch f.Machine {
	case elf.EM_X86_64:
		return "amd64", nil
	case elf.EM_386:
		return "386", nil
	case elf.EM_AARCH64:
		return "arm64", nil
	case elf.EM_ARM:
		return "arm", nil
	case elf.EM_RISCV:
		if f.Class == elf.ELFCLASS64 {
			return "riscv64", nil
		}
	case elf.EM_PPC64:
		if f.ByteOrder == binary.LittleEndian {
			return "ppc64le", nil
		}
		return "ppc64", nil
	case elf.EM_S390:
		return "s390x", nil
	case elf.EM_LOONGARCH:
		return "loong64", nil
	case elf.EM_MIPS:
		if f.Class == elf.ELFCLASS64 {
			if f.ByteOrder == binary.LittleEndian {
				return "mips64le", nil
			}
			return "mips64", nil
		}
		if f.ByteOrder == binary.LittleEndian {
			return "mipsle", nil
		}
		return "mips", nil
	}
	return "", fmt.Errorf("ELF machine %s: %w", f.Machine, ErrUnknownMachine)
}

func peArch(machine uint16) (string, error) {
	switch machine {
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return "amd64", nil
	case pe.IMAGE_FILE_MACHINE_I386:
		return "386", nil
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return "arm64", nil
	case pe.IMAGE_FILE_MACHINE_ARMNT:
		return "arm", nil
	}
	return "", fmt.Errorf("PE machine %#x: %w", machine, ErrUnknownMachine)
}

func machoArch(cpu macho.Cpu) (string, error) {
	switch cpu {
	case macho.CpuAmd64:
		return "amd64", nil
	case macho.Cpu386:
		return "386", nil
	case macho.CpuArm64:
		return "arm64", nil
	case macho.CpuArm:
		return "arm", nil
	}
	return "", fmt.Errorf("Mach-O cpu %s: %w", cpu, ErrUnknownMachine)
}

// a universal binary reports the architecture of the running process when it carries it
func fatArch(f *macho.FatFile) (string, error) {
	var first string
	for _, a := range f.Arches {
		arch, err := machoArch(a.Cpu)
		if err != nil {
			continue
		}
		if arch == runtime.GOARCH {
			return arch, nil
		}
		if first == "" {
			first = arch
		}
	}
	if first == "" {
		return "", fmt.Errorf("universal Mach-O: %w", ErrUnknownMachine)
	}
	return first, nil
}

func readDynamicSymbols(path string) (map[string]uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening ELF %s: %w", path, err)
	}
	defer f.Close()

	syms, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("reading dynamic symbols of %s: %w", path, err)
	}

	// the load bias is computed against the first loadable segment, which the dynamic
	// linker maps at the image base
	var base uint64
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD {
			base = prog.Vaddr - prog.Off
			break
		}
	}

	offsets := make(map[string]uint64, len(syms))
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Section == elf.SHN_UNDEF || s.Value == 0 {
			continue
		}
		// symbols exported under several versions keep their first definition
		if _, ok := offsets[s.Name]; ok {
			continue
		}
		offsets[s.Name] = s.Value - base
	}
	return offsets, nil
}
