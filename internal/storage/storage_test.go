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

package storage_test

import (
	"os"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/TAK-NZ/CloudTAK-sub001/internal/storage"
)

var _ = Describe("StorageService", func() {
	var (
		tmpDir string
		store  *storage.StorageService
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "mocktak-storage-test")
		Expect(err).NotTo(HaveOccurred())
		store = storage.New(tmpDir)
		Expect(store.EnsureDirs()).To(Succeed())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	Describe("Path helpers", func() {
		It("returns paths rooted in baseDir", func() {
			Expect(store.CADir()).To(Equal(tmpDir))
			Expect(store.CACertPath()).To(Equal(filepath.Join(tmpDir, "ca_crt.pem")))
			Expect(store.CAKeyPath()).To(Equal(filepath.Join(tmpDir, "private", "ca_key.pem")))
			Expect(store.TransientDir()).To(Equal(filepath.Join(tmpDir, "transient")))
		})

		It("creates the private and transient directories", func() {
			Expect(filepath.Join(tmpDir, "private")).To(BeADirectory())
			Expect(filepath.Join(tmpDir, "transient")).To(BeADirectory())
		})
	})

	Describe("CA material", func() {
		It("round-trips the CA certificate", func() {
			Expect(store.SaveCACert([]byte("cert-pem"))).To(Succeed())
			data, err := store.GetCACert()
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("cert-pem")))
		})

		It("writes the CA key with restricted permissions", func() {
			Expect(store.SaveCAKey([]byte("key-pem"))).To(Succeed())
			info, err := os.Stat(store.CAKeyPath())
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Mode().Perm()).To(Equal(os.FileMode(0640)))
		})
	})

	Describe("Transient artifacts", func() {
		It("generates collision-free names for the same prefix", func() {
			p1, err := store.SaveTransient("csr", ".pem", []byte("one"))
			Expect(err).NotTo(HaveOccurred())
			p2, err := store.SaveTransient("csr", ".pem", []byte("two"))
			Expect(err).NotTo(HaveOccurred())
			Expect(p1).NotTo(Equal(p2))
			Expect(filepath.Dir(p1)).To(Equal(store.TransientDir()))
		})

		It("removes artifacts and reports an empty directory afterwards", func() {
			path, err := store.SaveTransient("leaf", ".crt", []byte("cert"))
			Expect(err).NotTo(HaveOccurred())

			names, err := store.ListTransient()
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(HaveLen(1))

			Expect(store.RemoveTransient(path)).To(Succeed())
			names, err = store.ListTransient()
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(BeEmpty())
		})

		It("refuses to remove paths outside the transient directory", func() {
			err := store.RemoveTransient(store.CACertPath())
			Expect(err).To(HaveOccurred())
		})

		It("rejects prefixes containing path separators", func() {
			_, err := store.SaveTransient("../escape", ".pem", []byte("x"))
			Expect(err).To(HaveOccurred())
		})

		It("is safe under concurrent writers", func() {
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					_, err := store.SaveTransient("csr", ".pem", []byte("data"))
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			names, err := store.ListTransient()
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(HaveLen(16))
		})
	})
})
