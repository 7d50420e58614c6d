package storage

import (
	"fmt"
	"os"
)

// ClipFile stages clip bytes until Commit moves them to the final path.
type ClipFile struct {
	file *os.File
	path string
	done bool
}

// Write appends p to the staging file.
func (c *ClipFile) Write(p []byte) (int, error) {
	return c.file.Write(p)
}

// Path is where the clip lands on Commit.
func (c *ClipFile) Path() string {
	return c.path
}

// Commit closes the staging file and renames it into place.
func (c *ClipFile) Commit() (string, error) {
	if c.done {
		return "", fmt.Errorf("clip %s already finished", c.path)
	}
	c.done = true

	tmpName := c.file.Name()
	if err := c.file.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close clip: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("chmod clip: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("rename clip: %w", err)
	}
	return c.path, nil
}

// Abort discards the staged bytes. Safe to call after Commit.
func (c *ClipFile) Abort() {
	if c.done {
		return
	}
	c.done = true
	_ = c.file.Close()
	_ = os.Remove(c.file.Name())
}
