// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestFileBackend_Metadata(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "secrets.enc")

	backend, err := NewFileBackend(path, "test-master-key-123")
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}

	if backend.Name() != "file" {
		t.Errorf("Name() = %v, want %v", backend.Name(), "file")
	}

	if backend.Priority() != FileBackendPriority {
		t.Errorf("Priority() = %v, want %v", backend.Priority(), FileBackendPriority)
	}

	if !backend.Available() {
		t.Error("Available() = false, want true")
	}
}

func TestFileBackend_SetGetDelete(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "secrets.enc")

	backend, err := NewFileBackend(path, "test-master-key-for-encryption")
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}

	ctx := context.Background()

	if err := backend.Set(ctx, "signing-key", "value1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := backend.Get(ctx, "signing-key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "value1" {
		t.Errorf("Get() = %v, want %v", got, "value1")
	}

	// Overwrite
	if err := backend.Set(ctx, "signing-key", "value2"); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}
	got, err = backend.Get(ctx, "signing-key")
	if err != nil {
		t.Fatalf("Get() after overwrite error = %v", err)
	}
	if got != "value2" {
		t.Errorf("Get() after overwrite = %v, want %v", got, "value2")
	}

	if err := backend.Delete(ctx, "signing-key"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	_, err = backend.Get(ctx, "signing-key")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Get() after delete error = %v, want %v", err, ErrSecretNotFound)
	}

	err = backend.Delete(ctx, "signing-key")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Delete() missing key error = %v, want %v", err, ErrSecretNotFound)
	}
}

func TestFileBackend_List(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "secrets.enc")

	backend, err := NewFileBackend(path, "test-master-key")
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}

	ctx := context.Background()

	// Empty store lists no keys
	keys, err := backend.List(ctx)
	if err != nil {
		t.Fatalf("List() on empty store error = %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("List() on empty store = %v, want empty", keys)
	}

	for _, k := range []string{"alpha", "beta", "collaborators/claude/api-key"} {
		if err := backend.Set(ctx, k, "v-"+k); err != nil {
			t.Fatalf("Set(%q) error = %v", k, err)
		}
	}

	keys, err = backend.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("List() returned %d keys, want 3", len(keys))
	}

	keyMap := make(map[string]bool)
	for _, k := range keys {
		keyMap[k] = true
	}
	for _, w := range []string{"alpha", "beta", "collaborators/claude/api-key"} {
		if !keyMap[w] {
			t.Errorf("List() missing key %q", w)
		}
	}
}

func TestFileBackend_Persistence(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "secrets.enc")
	masterKey := "persistent-master-key"

	backend1, err := NewFileBackend(path, masterKey)
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}

	ctx := context.Background()
	if err := backend1.Set(ctx, "durable", "survives-restart"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// A fresh backend over the same file decrypts the same data
	backend2, err := NewFileBackend(path, masterKey)
	if err != nil {
		t.Fatalf("NewFileBackend() reopen error = %v", err)
	}

	got, err := backend2.Get(ctx, "durable")
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if got != "survives-restart" {
		t.Errorf("Get() after reopen = %v, want %v", got, "survives-restart")
	}
}

func TestFileBackend_WrongMasterKey(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "secrets.enc")

	backend1, err := NewFileBackend(path, "correct-key")
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}

	ctx := context.Background()
	if err := backend1.Set(ctx, "test-key", "value"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	backend2, err := NewFileBackend(path, "wrong-key")
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}

	_, err = backend2.Get(ctx, "test-key")
	if err == nil {
		t.Error("Get() with wrong key succeeded, want error")
	}
	if errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Get() with wrong key error = %v, want decryption failure", err)
	}
}

func TestFileBackend_NoMasterKey(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "secrets.enc")

	// Isolate from the real environment and config dir
	t.Setenv("MAESTRO_MASTER_KEY", "")
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "config"))

	backend, err := NewFileBackend(path, "")
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}

	if backend.Available() {
		t.Error("Available() = true, want false (no master key)")
	}

	ctx := context.Background()

	_, err = backend.Get(ctx, "test-key")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Get() error = %v, want %v", err, ErrBackendUnavailable)
	}

	err = backend.Set(ctx, "test-key", "value")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Set() error = %v, want %v", err, ErrBackendUnavailable)
	}

	err = backend.Delete(ctx, "test-key")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Delete() error = %v, want %v", err, ErrBackendUnavailable)
	}
}

func TestFileBackend_ResolveMasterKeyFromEnv(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "secrets.enc")

	t.Setenv("MAESTRO_MASTER_KEY", "env-master-key")

	backend, err := NewFileBackend(path, "")
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}

	if !backend.Available() {
		t.Fatal("Available() = false, want true (key from environment)")
	}

	ctx := context.Background()
	if err := backend.Set(ctx, "env-derived", "works"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := backend.Get(ctx, "env-derived")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "works" {
		t.Errorf("Get() = %v, want %v", got, "works")
	}
}

func TestFileBackend_FilePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "secrets.enc")

	backend, err := NewFileBackend(path, "test-master-key")
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}

	ctx := context.Background()
	if err := backend.Set(ctx, "test-key", "value"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}

	if perm := info.Mode().Perm(); perm&0077 != 0 {
		t.Errorf("secrets file permissions = %o, want 0600 or stricter", perm)
	}
}

func TestFileBackend_ConcurrentAccess(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "secrets.enc")

	backend, err := NewFileBackend(path, "concurrent-master-key")
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}

	ctx := context.Background()
	if err := backend.Set(ctx, "shared", "initial"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := backend.Get(ctx, "shared"); err != nil {
				t.Errorf("concurrent Get() error = %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestVerifyFilePermissions(t *testing.T) {
	tmpDir := t.TempDir()

	strict := filepath.Join(tmpDir, "strict")
	if err := os.WriteFile(strict, []byte("x"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := verifyFilePermissions(strict); err != nil {
		t.Errorf("verifyFilePermissions(0600) error = %v, want nil", err)
	}

	loose := filepath.Join(tmpDir, "loose")
	if err := os.WriteFile(loose, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := verifyFilePermissions(loose); err == nil {
		t.Error("verifyFilePermissions(0644) = nil, want error")
	}
}

func TestZeroBytes(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	zeroBytes(b)
	for i, v := range b {
		if v != 0 {
			t.Errorf("zeroBytes() left b[%d] = %d", i, v)
		}
	}
}
