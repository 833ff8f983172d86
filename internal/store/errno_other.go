//go:build !unix

package store

func isTransientErrno(err error) bool { return false }

// Directory handles cannot be synced on Windows.
func isSyncUnsupported(err error) bool { return true }
