//go:build !linux

package procs

func IsMapped(_ int, _ string) (bool, error) {
	return false, ErrNoProcFS
}

func Runtime(_ int) string {
	return ""
}
