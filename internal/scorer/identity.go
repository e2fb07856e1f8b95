package scorer

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Identifier is implemented by scorers whose output depends on more than
// their display name. The memo keys its entries on the identity.
type Identifier interface {
	Identity() string
}

func identityOf(s Scorer) string {
	if id, ok := s.(Identifier); ok {
		if v := id.Identity(); v != "" {
			return v
		}
	}
	return s.Name()
}

// sampleBytes is how much of each end of a model file goes into its
// fingerprint.
const sampleBytes = 1 << 20

// fileFingerprint hashes the absolute path, size, modification time and the
// first and last MiB of every file. Replacing a file in place, or loading a
// different file under the same reference, changes the result.
func fileFingerprint(paths ...string) (string, error) {
	h := sha256.New()
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		if err := hashFile(h, abs); err != nil {
			return "", fmt.Errorf("fingerprinting %s: %w", p, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(h io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	var meta [16]byte
	binary.LittleEndian.PutUint64(meta[:8], uint64(st.Size()))
	binary.LittleEndian.PutUint64(meta[8:], uint64(st.ModTime().UnixNano()))
	_, _ = io.WriteString(h, path)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(meta[:])

	if _, err := io.Copy(h, io.LimitReader(f, sampleBytes)); err != nil {
		return err
	}
	if tail := st.Size() - sampleBytes; tail > sampleBytes {
		if _, err := io.Copy(h, io.NewSectionReader(f, tail, sampleBytes)); err != nil {
			return err
		}
	}
	return nil
}
