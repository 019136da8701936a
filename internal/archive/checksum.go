package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

// ErrChecksumMismatch is returned when a file's SHA-256 differs from its
// .CHECKSUM file.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ChecksumPath returns X.CHECKSUM for data file X.
func ChecksumPath(dataFile string) string { return dataFile + ".CHECKSUM" }

// VerifiedPath returns the X.verified marker for data file X.
func VerifiedPath(dataFile string) string { return dataFile + ".verified" }

// IsVerified reports whether the marker of dataFile exists.
func IsVerified(dataFile string) bool {
	_, err := os.Stat(VerifiedPath(dataFile))
	return err == nil
}

// ExpectedDigest reads the hex digest recorded in X.CHECKSUM, whose content
// is "<sha256>  <name>".
func ExpectedDigest(dataFile string) (string, error) {
	data, err := os.ReadFile(ChecksumPath(dataFile))
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty checksum file for %s", dataFile)
	}
	return strings.ToLower(fields[0]), nil
}

// FileDigest returns the hex SHA-256 of a file.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks dataFile against its .CHECKSUM. On a match the .verified
// marker is touched and the digest returned. On a mismatch the data file,
// its marker and its .CHECKSUM are deleted and ErrChecksumMismatch returned.
// A missing .CHECKSUM is an error that deletes nothing.
func Verify(dataFile string) (string, error) {
	want, err := ExpectedDigest(dataFile)
	if err != nil {
		return "", fmt.Errorf("reading checksum of %s: %w", dataFile, err)
	}
	got, err := FileDigest(dataFile)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", dataFile, err)
	}

	if got != want {
		for _, p := range []string{dataFile, VerifiedPath(dataFile), ChecksumPath(dataFile)} {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return "", err
			}
		}
		return "", fmt.Errorf("%s: %w", dataFile, ErrChecksumMismatch)
	}

	if err := touch(VerifiedPath(dataFile)); err != nil {
		return "", err
	}
	return got, nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
