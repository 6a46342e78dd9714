//go:build !unix

package signatures

// lockFile is a no-op where flock is unavailable; the store then relies on
// the single-writer assumption.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
