//go:build !unix

package storage

// Advisory file locks are unix-only; the in-process mutex still applies.
func lockFile(string) (func() error, error) {
	return func() error { return nil }, nil
}
