package graftchat

import (
	"errors"
	"io"
	"os"
	"sync"
)

type uncopyable struct {
	_ sync.Mutex
}

func removeOnErr(fname string, currErr error) error {
	err := os.Remove(fname)
	if err != nil {
		return errors.Join(err, currErr)
	}
	return currErr
}

func closeOnErr(closer io.Closer, curErr error) error {
	err := closer.Close()
	if err != nil {
		return errors.Join(err, curErr)
	}
	return curErr
}

// writeFileAtomically replaces fpath with data through a synced temp file and a rename, so readers see
// either the old or the new content.
func writeFileAtomically(fpath string, data []byte) error {
	tempFpath := fpath + ".tmp"
	f, err := os.Create(tempFpath)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return removeOnErr(tempFpath, closeOnErr(f, err))
	}
	if err := f.Sync(); err != nil {
		return removeOnErr(tempFpath, closeOnErr(f, err))
	}
	if err := f.Close(); err != nil {
		return removeOnErr(tempFpath, err)
	}
	if err := os.Rename(tempFpath, fpath); err != nil {
		return removeOnErr(tempFpath, err)
	}
	return nil
}

func setOf[T comparable](values []T) map[T]struct{} {
	set := make(map[T]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func keysOf[T comparable](set map[T]struct{}) []T {
	keys := make([]T, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

func hasKey[K comparable, V any](m map[K]V, key K) bool {
	_, ok := m[key]
	return ok
}
