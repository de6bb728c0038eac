package procs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"unsafe"
)

// atEntry is the auxiliary vector key of the program entry point
const atEntry = 9

var ErrNoEntry = errors.New("auxiliary vector has no entry point")

// EntryPoint returns the address of the program entry point (AT_ENTRY) of the process
func EntryPoint(pid int) (uint64, error) {
	raw, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/auxv")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("pid %d: %w", pid, ErrNotFound)
		}
		return 0, fmt.Errorf("reading auxiliary vector: %w", err)
	}
	return parseAuxvEntry(raw, int(unsafe.Sizeof(uintptr(0))))
}

func parseAuxvEntry(raw []byte, word int) (uint64, error) {
	read := func(b []byte) uint64 {
		if word == 4 {
			return uint64(binary.NativeEndian.Uint32(b))
		}
		return binary.NativeEndian.Uint64(b)
	}
	for i := 0; i+2*word <= len(raw); i += 2 * word {
		key := read(raw[i:])
		switch key {
		case 0:
			return 0, ErrNoEntry
		case atEntry:
			return read(raw[i+word:]), nil
		}
	}
	return 0, ErrNoEntry
}
