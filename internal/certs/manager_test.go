package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/wudi/edgeproxy/internal/config"
)

// selfSigned issues a throwaway cert for host valid for ttl.
func selfSigned(t *testing.T, host string, ttl time.Duration) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(ttl),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func TestStoreAndLoadEntry(t *testing.T) {
	dir := t.TempDir()
	certPEM, keyPEM := selfSigned(t, "a.test", 90*24*time.Hour)

	if err := storeEntry(dir, "a.test", certPEM, keyPEM); err != nil {
		t.Fatal(err)
	}
	entry, err := loadEntry(dir, "a.test")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Host != "a.test" {
		t.Errorf("host = %q", entry.Host)
	}
	if until := time.Until(entry.NotAfter); until < 89*24*time.Hour {
		t.Errorf("notAfter parsed wrong: %v left", until)
	}
	if !entry.Valid(time.Now()) {
		t.Error("fresh entry should be valid")
	}
}

func TestLoadEntryMissing(t *testing.T) {
	if _, err := loadEntry(t.TempDir(), "absent.test"); err == nil {
		t.Fatal("expected error for missing host dir")
	}
}

func TestSNIResolution(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(config.LetsEncryptConfig{CertDir: dir})

	certPEM, keyPEM := selfSigned(t, "a.test", 90*24*time.Hour)
	if err := storeEntry(dir, "a.test", certPEM, keyPEM); err != nil {
		t.Fatal(err)
	}
	entry, err := loadEntry(dir, "a.test")
	if err != nil {
		t.Fatal(err)
	}
	m.Inventory().Put(entry)

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "a.test"})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, name := range leaf.DNSNames {
		if name == "a.test" {
			found = true
		}
	}
	if !found {
		t.Errorf("leaf DNS names %v do not include a.test", leaf.DNSNames)
	}

	// www alias resolves to the apex cert.
	if _, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "www.a.test"}); err != nil {
		t.Errorf("www alias: %v", err)
	}

	if _, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "unknown.test"}); err == nil {
		t.Error("unknown SNI must refuse the handshake")
	}
}

func TestSNIRefusesExpired(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(config.LetsEncryptConfig{CertDir: dir})

	certPEM, keyPEM := selfSigned(t, "old.test", -time.Hour)
	if err := storeEntry(dir, "old.test", certPEM, keyPEM); err != nil {
		t.Fatal(err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatal(err)
	}
	m.Inventory().Put(&Entry{Host: "old.test", Cert: cert, NotAfter: time.Now().Add(-time.Hour)})

	if _, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "old.test"}); err == nil {
		t.Error("expired cert must refuse the handshake")
	}
}

func TestInventoryAtomicReplace(t *testing.T) {
	inv := NewInventory()
	first := &Entry{Host: "a.test", NotAfter: time.Now().Add(time.Hour)}
	second := &Entry{Host: "a.test", NotAfter: time.Now().Add(48 * time.Hour)}

	inv.Put(first)
	inv.Put(second)

	if got := inv.Get("a.test"); got != second {
		t.Error("Put must replace the host entry")
	}
	if n := len(inv.Hosts()); n != 1 {
		t.Errorf("hosts = %d, want 1", n)
	}
}

func TestAccountKeyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(config.LetsEncryptConfig{CertDir: dir})

	key1, err := m.loadOrCreateAccountKey()
	if err != nil {
		t.Fatal(err)
	}
	key2, err := m.loadOrCreateAccountKey()
	if err != nil {
		t.Fatal(err)
	}
	if !key1.Equal(key2) {
		t.Error("second load must reuse the persisted account key")
	}
}

func TestStatusDaysLeft(t *testing.T) {
	m := NewManager(config.LetsEncryptConfig{CertDir: t.TempDir()})
	m.Inventory().Put(&Entry{Host: "a.test", NotAfter: time.Now().Add(10 * 24 * time.Hour)})

	infos := m.Status()
	if len(infos) != 1 {
		t.Fatalf("status entries = %d", len(infos))
	}
	if infos[0].DaysLeft < 9 || infos[0].DaysLeft > 10 {
		t.Errorf("days left = %d, want ~10", infos[0].DaysLeft)
	}
	if !infos[0].Valid {
		t.Error("future cert should be valid")
	}
}
