// Package contentfs stores document content as flat files addressed by content
// hash. The file name is the hex hash; the first 4 characters shard the files
// into subdirectories. The bytes on disk are raw content without metadata.
package contentfs

import (
	"encoding/hex"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"docmesh/datamodel/document"
)

type ContentFS struct {
	basePath string
}

func New(basePath string) (*ContentFS, error) {
	basePath = filepath.Clean(basePath)

	if err := ensureDir(basePath); err != nil {
		return nil, err
	}

	log.Infof("Opened content store at %s", basePath)

	return &ContentFS{basePath: basePath}, nil
}

// ensureDir checks if a directory exists at the given path, and if not, creates it.
func ensureDir(path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, 0755)
		}
		return err
	}
	if !stat.IsDir() {
		return &os.PathError{Op: "ensureDir", Path: path, Err: os.ErrExist}
	}
	return nil
}

func (f *ContentFS) refToPath(ref string) (dirPath string, filePath string) {
	dirPath = filepath.Join(f.basePath, ref[:4])
	filePath = filepath.Join(dirPath, ref)
	return dirPath, filePath
}

// Put writes content and returns its storage reference (the hex content hash).
// Content is immutable under its hash, so rewriting an existing ref is harmless.
func (f *ContentFS) Put(data []byte) (string, error) {
	ref := hex.EncodeToString(document.HashContent(data))

	dirPath, filePath := f.refToPath(ref)
	if err := ensureDir(dirPath); err != nil {
		return "", err
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return "", err
	}
	return ref, nil
}

func (f *ContentFS) Get(ref string) ([]byte, error) {
	if len(ref) < 4 {
		return nil, os.ErrInvalid
	}
	_, filePath := f.refToPath(ref)
	return os.ReadFile(filePath)
}

func (f *ContentFS) Has(ref string) (bool, error) {
	if len(ref) < 4 {
		return false, os.ErrInvalid
	}
	_, filePath := f.refToPath(ref)
	stat, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !stat.IsDir(), nil
}

func (f *ContentFS) Delete(ref string) error {
	if len(ref) < 4 {
		return os.ErrInvalid
	}
	_, filePath := f.refToPath(ref)

	err := os.Remove(filePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *ContentFS) Close() error {
	return nil
}
