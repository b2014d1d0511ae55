// Copyright (C) 2026 TAK.NZ
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	FilePermPrivate = 0640
	FilePermPublic  = 0644
	DirPerm         = 0750
)

// StorageService owns the on-disk layout of a single mock server instance:
// the CA certificate and key at fixed paths, plus a transient/ directory for
// per-signing CSR and certificate artifacts. Transient artifacts carry
// collision-free generated names so concurrent signing calls never clobber
// each other, and are removed as soon as the signing response is sent.
type StorageService struct {
	baseDir string
	fileMu  sync.RWMutex
}

func New(baseDir string) *StorageService {
	return &StorageService{
		baseDir: baseDir,
	}
}

func (s *StorageService) EnsureDirs() error {
	dirs := []string{
		s.baseDir,
		filepath.Join(s.baseDir, "private"), // For CA key
		filepath.Join(s.baseDir, "transient"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, DirPerm); err != nil {
			return err
		}
	}
	return nil
}

func (s *StorageService) CADir() string {
	return s.baseDir
}

func (s *StorageService) CAKeyPath() string {
	return filepath.Join(s.baseDir, "private", "ca_key.pem")
}

func (s *StorageService) CACertPath() string {
	return filepath.Join(s.baseDir, "ca_crt.pem")
}

// TransientDir returns the directory holding in-flight signing artifacts.
func (s *StorageService) TransientDir() string {
	return filepath.Join(s.baseDir, "transient")
}

// SaveCAKey writes the CA private key PEM (mode 0640).
func (s *StorageService) SaveCAKey(pemData []byte) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	return os.WriteFile(s.CAKeyPath(), pemData, FilePermPrivate)
}

// SaveCACert writes the CA certificate PEM (mode 0644).
func (s *StorageService) SaveCACert(pemData []byte) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	return os.WriteFile(s.CACertPath(), pemData, FilePermPublic)
}

func (s *StorageService) GetCACert() ([]byte, error) {
	s.fileMu.RLock()
	defer s.fileMu.RUnlock()
	return os.ReadFile(s.CACertPath())
}

// SaveTransient writes data to transient/<prefix>-<uuid><ext> and returns the
// full path. The uuid suffix keeps names unique across concurrent signing
// calls sharing one instance directory.
func (s *StorageService) SaveTransient(prefix, ext string, data []byte) (string, error) {
	if strings.ContainsAny(prefix, "/\\") {
		return "", fmt.Errorf("invalid transient prefix %q", prefix)
	}
	path := filepath.Join(s.TransientDir(), prefix+"-"+uuid.NewString()+ext)

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if err := os.WriteFile(path, data, FilePermPublic); err != nil {
		return "", err
	}
	return path, nil
}

// RemoveTransient deletes a file previously returned by SaveTransient.
// Paths outside the transient directory are refused.
func (s *StorageService) RemoveTransient(path string) error {
	dir := s.TransientDir()
	if filepath.Dir(path) != dir {
		return fmt.Errorf("refusing to remove %s: not under %s", path, dir)
	}
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	return os.Remove(path)
}

// ListTransient returns the names of all artifacts currently in flight.
// Normally empty; anything left behind indicates a leaked signing call.
func (s *StorageService) ListTransient() ([]string, error) {
	s.fileMu.RLock()
	defer s.fileMu.RUnlock()

	entries, err := os.ReadDir(s.TransientDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
