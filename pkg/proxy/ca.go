// Local CA management: a self-signed root used to mint per-host leaf
// certificates on demand, with an LRU cache so busy hosts are not re-signed
// on every connection.
package proxy

import (
	"container/list"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	caOrganization     = "interceptd local CA"
	caValidityDays     = 3650
	hostCertValidDays  = 365
	keyBits            = 2048
	defaultCertCacheSz = 1000
)

// ErrNoCA is returned when a CA operation runs before the CA is loaded.
var ErrNoCA = errors.New("CA not loaded")

// CertPair is a leaf certificate and its private key.
type CertPair struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
}

// CAManager loads or generates the root CA and signs host certificates.
type CAManager struct {
	mu       sync.RWMutex
	caCert   *x509.Certificate
	caKey    *rsa.PrivateKey
	certPath string
	keyPath  string
	cache    *certCache
}

// NewCAManager creates a manager persisting the CA at the given paths.
func NewCAManager(certPath, keyPath string) *CAManager {
	return &CAManager{
		certPath: certPath,
		keyPath:  keyPath,
		cache:    newCertCache(defaultCertCacheSz),
	}
}

// EnsureCA loads the CA from disk, generating and persisting a fresh one if
// none exists yet.
func (m *CAManager) EnsureCA() error {
	if _, err := os.Stat(m.certPath); err == nil {
		if _, err := os.Stat(m.keyPath); err == nil {
			return m.Load()
		}
	}
	return m.Generate()
}

// Generate creates a new self-signed root CA and writes it to disk.
func (m *CAManager) Generate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("generating CA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{caOrganization},
			CommonName:   caOrganization,
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, caValidityDays),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("creating CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.certPath), 0700); err != nil {
		return err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(m.certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("writing CA certificate: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(m.keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("writing CA key: %w", err)
	}

	m.caCert = cert
	m.caKey = key
	return nil
}

// Load reads the CA certificate and key from disk.
func (m *CAManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	certPEM, err := os.ReadFile(m.certPath)
	if err != nil {
		return err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("no PEM block in %s", m.certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("parsing CA certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(m.keyPath)
	if err != nil {
		return err
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("no PEM block in %s", m.keyPath)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parsing CA key: %w", err)
	}

	m.caCert = cert
	m.caKey = key
	return nil
}

// HostCert returns a leaf certificate for host signed by the CA, minting and
// caching one if needed.
func (m *CAManager) HostCert(host string) (*CertPair, error) {
	if pair, ok := m.cache.get(host); ok {
		return pair, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another connection may have minted it while we waited.
	if pair, ok := m.cache.get(host); ok {
		return pair, nil
	}
	if m.caCert == nil || m.caKey == nil {
		return nil, ErrNoCA
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now,
		NotAfter:     now.AddDate(0, 0, hostCertValidDays),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{host},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, m.caCert, &key.PublicKey, m.caKey)
	if err != nil {
		return nil, fmt.Errorf("signing certificate for %s: %w", host, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	pair := &CertPair{Cert: cert, Key: key}
	m.cache.set(host, pair)
	return pair, nil
}

// CertPEM returns the CA certificate PEM, or nil if no CA is loaded. Served
// on the control host so test drivers can trust minted certificates.
func (m *CAManager) CertPEM() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.caCert == nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.caCert.Raw})
}

// certCache is a thread-safe LRU of minted host certificates.
type certCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	maxSize int
}

type certCacheEntry struct {
	host string
	pair *CertPair
}

func newCertCache(maxSize int) *certCache {
	if maxSize <= 0 {
		maxSize = defaultCertCacheSz
	}
	return &certCache{
		items:   make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
	}
}

func (c *certCache) get(host string) (*CertPair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[host]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*certCacheEntry).pair, true
}

func (c *certCache) set(host string, pair *CertPair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[host]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*certCacheEntry).pair = pair
		return
	}
	if c.order.Len() >= c.maxSize {
		if oldest := c.order.Back(); oldest != nil {
			delete(c.items, oldest.Value.(*certCacheEntry).host)
			c.order.Remove(oldest)
		}
	}
	c.items[host] = c.order.PushFront(&certCacheEntry{host: host, pair: pair})
}

func (c *certCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
