/*
Copyright 2024 The Azureformation Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package credentials

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"
)

func TestEnsureCertificatesKeepsExistingPair(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()
	pem := filepath.Join(dir, "1-sub.pem")
	cer := filepath.Join(dir, "1-sub.cer")
	g.Expect(os.WriteFile(pem, []byte("uploaded key material"), 0o600)).To(Succeed())
	g.Expect(os.WriteFile(cer, []byte("uploaded cert material"), 0o600)).To(Succeed())

	m := NewManager(nil, dir, logr.Discard())
	g.Expect(m.ensureCertificates(context.Background(), pem, cer)).To(Succeed())

	// regenerating would desync the key from the uploaded public half
	data, err := os.ReadFile(pem)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(data)).To(Equal("uploaded key material"))
}

func TestEnsureCertificatesGeneratesPair(t *testing.T) {
	g := NewWithT(t)
	if _, err := exec.LookPath("openssl"); err != nil {
		t.Skip("openssl not installed")
	}
	dir := t.TempDir()
	pem := filepath.Join(dir, "2-sub.pem")
	cer := filepath.Join(dir, "2-sub.cer")

	m := NewManager(nil, dir, logr.Discard())
	g.Expect(m.ensureCertificates(context.Background(), pem, cer)).To(Succeed())

	pemData, err := os.ReadFile(pem)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(pemData)).To(ContainSubstring("PRIVATE KEY"))
	g.Expect(string(pemData)).To(ContainSubstring("CERTIFICATE"))
	info, err := os.Stat(cer)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(info.Size()).To(BeNumerically(">", 0))
}
