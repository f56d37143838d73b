// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package efibootmgr

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FS is the filesystem the kernel generations and the ESP are accessed
// through. Tests replace it with an afero backed one.
type FS interface {
	// Create behaves like os.Create()
	Create(path string) (io.WriteCloser, error)
	// MkdirAll behaves like os.MkdirAll()
	MkdirAll(path string, perm os.FileMode) error
	// Open behaves like os.Open()
	Open(path string) (io.ReadSeekCloser, error)
	// ReadDir behaves like os.ReadDir()
	ReadDir(path string) ([]os.DirEntry, error)
	// Remove behaves like os.Remove()
	Remove(path string) error
	// RemoveAll behaves like os.RemoveAll()
	RemoveAll(path string) error
	// Stat behaves like os.Stat()
	Stat(path string) (os.FileInfo, error)
	// EvalSymlinks behaves like filepath.EvalSymlinks()
	EvalSymlinks(path string) (string, error)
}

// realFS implements FS using the os package
type realFS struct{}

func (realFS) Create(path string) (io.WriteCloser, error)   { return os.Create(path) }
func (realFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func (realFS) Open(path string) (io.ReadSeekCloser, error)  { return os.Open(path) }
func (realFS) ReadDir(path string) ([]os.DirEntry, error)   { return os.ReadDir(path) }
func (realFS) Remove(path string) error                     { return os.Remove(path) }
func (realFS) RemoveAll(path string) error                  { return os.RemoveAll(path) }
func (realFS) Stat(path string) (os.FileInfo, error)        { return os.Stat(path) }
func (realFS) EvalSymlinks(path string) (string, error)     { return filepath.EvalSymlinks(path) }

// appFs is our default FS
var appFs FS = realFS{}

func exists(path string) bool {
	_, err := appFs.Stat(path)
	return err == nil
}

func readFile(path string) ([]byte, error) {
	f, err := appFs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func writeFile(path string, data []byte) error {
	if err := appFs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := appFs.Create(path)
	if err != nil {
		return fmt.Errorf("Could not open %s for writing: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("Could not write %s: %w", path, err)
	}
	return f.Close()
}

// removeIfExists removes path, treating a missing path as success.
func removeIfExists(path string) error {
	if err := appFs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// hashFile returns the SHA-256 digest of the file at path.
func hashFile(path string) ([]byte, error) {
	f, err := appFs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("Could not hash %s: %w", path, err)
	}
	return h.Sum(nil), nil
}

// MaybeUpdateFile copies the image src to dst unless dst already has the
// same content, creating the parent directory of dst as needed. It reports
// whether dst was written. On error dst may be left incomplete.
func MaybeUpdateFile(dst string, src string) (bool, error) {
	srcSum, err := hashFile(src)
	if err != nil {
		return false, fmt.Errorf("Could not read source file: %w", err)
	}
	dstSum, err := hashFile(dst)
	switch {
	case err == nil && bytes.Equal(srcSum, dstSum):
		return false, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("Could not read destination file: %w", err)
	}

	srcFile, err := appFs.Open(src)
	if err != nil {
		return false, fmt.Errorf("Could not open source file: %w", err)
	}
	defer srcFile.Close()

	if err := appFs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return false, fmt.Errorf("Could not create directory for %s: %w", dst, err)
	}
	dstFile, err := appFs.Create(dst)
	if err != nil {
		return false, fmt.Errorf("Could not open %s for writing: %w", dst, err)
	}
	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return false, fmt.Errorf("Could not copy %s to %s: %w", src, dst, err)
	}
	if err := dstFile.Close(); err != nil {
		return false, fmt.Errorf("Could not write %s: %w", dst, err)
	}
	return true, nil
}
