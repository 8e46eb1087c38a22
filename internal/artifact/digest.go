package artifact

import (
	"fmt"
	"io"
	"os"

	"lukechampine.com/blake3"
)

// Digest returns the hex BLAKE3-256 of the file at path and its size.
func Digest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), n, nil
}
