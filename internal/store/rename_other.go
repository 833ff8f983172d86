//go:build !linux

package store

func renameNoReplace(oldpath, newpath string) error {
	return lstatRename(oldpath, newpath)
}
