//go:build unix

package hookgen

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize uintptr

func init() {
	pageSize = uintptr(unix.Getpagesize())
}

func makeSlice(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func mprotectRange(addr, size uintptr, prot int) error {
	start := pageSize * (addr / pageSize)
	length := pageSize * ((addr + size + pageSize - 1 - start) / pageSize)
	for i := uintptr(0); i < length; i += pageSize {
		data := makeSlice(start+i, pageSize)
		if err := unix.Mprotect(data, prot); err != nil {
			return err
		}
	}
	return nil
}

// protectPages makes the pages spanning [addr, addr+size) writable.
func protectPages(addr, size uintptr) error {
	return mprotectRange(addr, size, unix.PROT_EXEC|unix.PROT_READ|unix.PROT_WRITE)
}

// reProtectPages restores read and execute only.
func reProtectPages(addr, size uintptr) error {
	return mprotectRange(addr, size, unix.PROT_EXEC|unix.PROT_READ)
}
