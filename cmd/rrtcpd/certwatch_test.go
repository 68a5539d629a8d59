// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCertWatcher(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "node.pem")
	if err := os.WriteFile(file, []byte("first"), 0o600); err != nil {
		t.Fatal(err)
	}

	reloads := make(chan struct{}, 8)
	cw, err := newCertWatcher(file, func() { reloads <- struct{}{} })
	if err != nil {
		t.Fatal(err)
	}
	defer cw.close()

	// Unrelated files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.pem"), []byte("other"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case <-reloads:
		t.Fatal("unrelated file triggered a reload")
	case <-time.After(2 * certDebounce):
	}

	// Replace the file atomically.
	tmp := filepath.Join(dir, "node.pem.tmp")
	if err := os.WriteFile(tmp, []byte("second"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, file); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloads:
	case <-time.After(3 * time.Second):
		t.Fatal("replacing the certificate did not trigger a reload")
	}

	select {
	case <-reloads:
		t.Fatal("one replacement triggered multiple reloads")
	case <-time.After(2 * certDebounce):
	}
}
