// Package certs manages the per-host TLS certificate inventory: on-disk
// PEM storage, ACME issuance over HTTP-01, renewal and SNI resolution.
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one host's certificate with its parsed expiry.
type Entry struct {
	Host     string
	Cert     tls.Certificate
	NotAfter time.Time
}

// Valid reports whether the certificate is usable at now.
func (e *Entry) Valid(now time.Time) bool {
	return e != nil && now.Before(e.NotAfter)
}

// Inventory is the host → certificate map consulted on every handshake.
// Entries are replaced atomically per host.
type Inventory struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewInventory returns an empty inventory.
func NewInventory() *Inventory {
	return &Inventory{entries: make(map[string]*Entry)}
}

// Get returns the entry for a host.
func (inv *Inventory) Get(host string) *Entry {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.entries[host]
}

// Put replaces the entry for a host.
func (inv *Inventory) Put(e *Entry) {
	inv.mu.Lock()
	inv.entries[e.Host] = e
	inv.mu.Unlock()
}

// Hosts returns the hosts currently in inventory.
func (inv *Inventory) Hosts() []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	hosts := make([]string, 0, len(inv.entries))
	for h := range inv.entries {
		hosts = append(hosts, h)
	}
	return hosts
}

// Entries returns a snapshot of the inventory.
func (inv *Inventory) Entries() []*Entry {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]*Entry, 0, len(inv.entries))
	for _, e := range inv.entries {
		out = append(out, e)
	}
	return out
}

// hostDir is <certDir>/<host>/ holding cert.pem and key.pem.
func hostDir(certDir, host string) string {
	return filepath.Join(certDir, host)
}

// loadEntry reads a host's PEM pair from disk and parses the leaf expiry.
func loadEntry(certDir, host string) (*Entry, error) {
	dir := hostDir(certDir, host)
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(dir, "cert.pem"),
		filepath.Join(dir, "key.pem"),
	)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, err
	}
	cert.Leaf = leaf
	return &Entry{Host: host, Cert: cert, NotAfter: leaf.NotAfter}, nil
}

// storeEntry writes the PEM pair under the host dir via temp-file rename.
func storeEntry(certDir, host string, certPEM, keyPEM []byte) error {
	dir := hostDir(certDir, host)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, "key.pem"), keyPEM, 0o600); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, "cert.pem"), certPEM, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, mode); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
