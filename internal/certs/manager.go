package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"

	"github.com/wudi/edgeproxy/internal/config"
	"github.com/wudi/edgeproxy/internal/errors"
	"github.com/wudi/edgeproxy/internal/logging"
)

const (
	productionDirectory = "https://acme-v02.api.letsencrypt.org/directory"
	stagingDirectory    = "https://acme-staging-v02.api.letsencrypt.org/directory"

	// renewBefore is how close to expiry a cert gets before the daily
	// tick renews it.
	renewBefore = 30 * 24 * time.Hour

	// ChallengePathPrefix is where the plaintext listener serves HTTP-01
	// tokens from.
	ChallengePathPrefix = "/.well-known/acme-challenge/"
)

// CertInfo is the management-API view of one inventory entry.
type CertInfo struct {
	Host     string    `json:"host"`
	NotAfter time.Time `json:"not_after"`
	DaysLeft int       `json:"days_left"`
	Valid    bool      `json:"valid"`
}

// Manager owns the certificate inventory and the ACME account.
type Manager struct {
	cfg          config.LetsEncryptConfig
	certDir      string
	challengeDir string
	inventory    *Inventory

	mu     sync.Mutex // serializes account init and per-host obtains
	client *acme.Client
}

// NewManager builds the manager. Init must run before Obtain.
func NewManager(cfg config.LetsEncryptConfig) *Manager {
	certDir := cfg.CertDir
	if certDir == "" {
		certDir = "certs"
	}
	return &Manager{
		cfg:          cfg,
		certDir:      certDir,
		challengeDir: filepath.Join(".", ".well-known", "acme-challenge"),
		inventory:    NewInventory(),
	}
}

// Inventory exposes the live inventory, for status reporting.
func (m *Manager) Inventory() *Inventory { return m.inventory }

// ChallengeDir is where HTTP-01 token files are written.
func (m *Manager) ChallengeDir() string { return m.challengeDir }

func (m *Manager) directoryURL() string {
	if m.cfg.DirectoryURL != "" {
		return m.cfg.DirectoryURL
	}
	if m.cfg.Staging {
		return stagingDirectory
	}
	return productionDirectory
}

// Init loads or generates the account key and registers the account.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.certDir, 0o755); err != nil {
		return err
	}
	key, err := m.loadOrCreateAccountKey()
	if err != nil {
		return err
	}
	m.client = &acme.Client{Key: key, DirectoryURL: m.directoryURL()}

	account := &acme.Account{}
	if m.cfg.Email != "" {
		account.Contact = []string{"mailto:" + m.cfg.Email}
	}
	_, err = m.client.Register(ctx, account, acme.AcceptTOS)
	if err != nil && err != acme.ErrAccountAlreadyExists {
		return fmt.Errorf("acme register: %w", err)
	}
	return nil
}

func (m *Manager) loadOrCreateAccountKey() (*ecdsa.PrivateKey, error) {
	accountDir := filepath.Join(m.certDir, "accounts")
	keyPath := filepath.Join(accountDir, "account.key")

	if data, err := os.ReadFile(keyPath); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("acme account key %s: no PEM block", keyPath)
		}
		return x509.ParseECPrivateKey(block.Bytes)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(accountDir, 0o700); err != nil {
		return nil, err
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := writeFileAtomic(keyPath, data, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// EnsureHosts loads each host's certificate from disk, obtaining a fresh
// one when missing or expired. Failures are logged; other hosts proceed.
func (m *Manager) EnsureHosts(ctx context.Context, hosts []string) {
	now := time.Now()
	for _, host := range hosts {
		if entry, err := loadEntry(m.certDir, host); err == nil && entry.Valid(now) {
			m.inventory.Put(entry)
			continue
		}
		if err := m.Obtain(ctx, host); err != nil {
			logging.Error("obtaining certificate", zap.String("host", host), zap.Error(err))
		}
	}
}

// Obtain runs one newOrder + HTTP-01 cycle for the host and installs the
// result in the inventory.
func (m *Manager) Obtain(ctx context.Context, host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return errors.New(0, errors.KindACMEChallengeFail, "acme account not initialized")
	}

	order, err := m.client.AuthorizeOrder(ctx, acme.DomainIDs(host))
	if err != nil {
		return fmt.Errorf("new order for %s: %w", host, err)
	}

	for _, authzURL := range order.AuthzURLs {
		if err := m.completeAuthorization(ctx, authzURL); err != nil {
			return fmt.Errorf("authorization for %s: %w", host, err)
		}
	}

	order, err = m.client.WaitOrder(ctx, order.URI)
	if err != nil {
		return fmt.Errorf("order for %s: %w", host, err)
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		DNSNames: []string{host},
	}, certKey)
	if err != nil {
		return err
	}

	chain, _, err := m.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return fmt.Errorf("finalize for %s: %w", host, err)
	}

	var certPEM []byte
	for _, der := range chain {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	keyDER, err := x509.MarshalECPrivateKey(certKey)
	if err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := storeEntry(m.certDir, host, certPEM, keyPEM); err != nil {
		return err
	}
	entry, err := loadEntry(m.certDir, host)
	if err != nil {
		return err
	}
	m.inventory.Put(entry)
	logging.Info("certificate installed",
		zap.String("host", host), zap.Time("not_after", entry.NotAfter))
	return nil
}

// completeAuthorization answers the HTTP-01 challenge of one authorization.
func (m *Manager) completeAuthorization(ctx context.Context, authzURL string) error {
	authz, err := m.client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return err
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	var challenge *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "http-01" {
			challenge = c
			break
		}
	}
	if challenge == nil {
		return errors.New(0, errors.KindACMEChallengeFail, "no http-01 challenge offered")
	}

	response, err := m.client.HTTP01ChallengeResponse(challenge.Token)
	if err != nil {
		return err
	}
	tokenPath := filepath.Join(m.challengeDir, challenge.Token)
	if err := os.MkdirAll(m.challengeDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tokenPath, []byte(response), 0o644); err != nil {
		return err
	}
	defer os.Remove(tokenPath)

	if _, err := m.client.Accept(ctx, challenge); err != nil {
		return err
	}
	if _, err := m.client.WaitAuthorization(ctx, authz.URI); err != nil {
		return errors.Wrap(err, 0, errors.KindACMEChallengeFail, "http-01 validation failed")
	}
	return nil
}

// Run renews aging certificates on a daily tick until stop closes.
func (m *Manager) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.renewDue()
		}
	}
}

func (m *Manager) renewDue() {
	now := time.Now()
	for _, entry := range m.inventory.Entries() {
		if entry.NotAfter.Sub(now) >= renewBefore {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		if err := m.Obtain(ctx, entry.Host); err != nil {
			logging.Error("certificate renewal failed",
				zap.String("host", entry.Host), zap.Error(err))
		}
		cancel()
	}
}

// GetCertificate resolves SNI against the inventory; handshakes for
// unknown or expired hosts are refused.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := strings.ToLower(hello.ServerName)
	entry := m.inventory.Get(host)
	if entry == nil && strings.HasPrefix(host, "www.") {
		entry = m.inventory.Get(strings.TrimPrefix(host, "www."))
	}
	if !entry.Valid(time.Now()) {
		return nil, errors.New(0, errors.KindTLSNoCert, "no certificate for "+host)
	}
	return &entry.Cert, nil
}

// Status reports the inventory for the management API.
func (m *Manager) Status() []CertInfo {
	now := time.Now()
	entries := m.inventory.Entries()
	infos := make([]CertInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, CertInfo{
			Host:     e.Host,
			NotAfter: e.NotAfter,
			DaysLeft: int(e.NotAfter.Sub(now).Hours() / 24),
			Valid:    e.Valid(now),
		})
	}
	return infos
}
