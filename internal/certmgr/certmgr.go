// Package certmgr generates, persists, and rotates the self-signed TLS
// certificate serving the HTTPS listener. Rotation swaps an immutable
// certificate reference that new handshakes read; established sessions are
// untouched until they reconnect.
package certmgr

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanbeam/lanbeam/internal/localnet"
)

// Defaults for the certificate lifecycle.
const (
	DefaultValidity    = 180 * 24 * time.Hour
	DefaultRenewWindow = 7 * 24 * time.Hour
	DefaultRotateDay   = 1
)

const (
	certFileName = "cert.pem"
	keyFileName  = "key.pem"
)

// ErrNoCertificate is returned by GetCertificate before any material has
// been loaded or generated.
var ErrNoCertificate = errors.New("no certificate material available")

// Config controls certificate generation and rotation scheduling.
type Config struct {
	// Dir is where cert.pem and key.pem are persisted.
	Dir string
	// Validity is the lifetime of generated certificates.
	Validity time.Duration
	// RenewWindow is the safety window: material expiring within it is
	// regenerated at startup.
	RenewWindow time.Duration
	// RotateDay is the day of month the scheduled rotation fires on,
	// clamped to the target month's length.
	RotateDay int
	// Hostname overrides the certificate subject; defaults to
	// os.Hostname.
	Hostname string
}

func (c *Config) fillDefaults() {
	if c.Validity <= 0 {
		c.Validity = DefaultValidity
	}
	if c.RenewWindow <= 0 {
		c.RenewWindow = DefaultRenewWindow
	}
	if c.RotateDay < 1 || c.RotateDay > 31 {
		c.RotateDay = DefaultRotateDay
	}
	if c.Hostname == "" {
		if hn, err := os.Hostname(); err == nil {
			c.Hostname = hn
		} else {
			c.Hostname = "localhost"
		}
	}
}

// Manager owns the active certificate. Rotations are serialized by a mutex;
// handshakes read the active certificate through an atomic pointer and
// never block on a rotation in progress.
type Manager struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	rotateMu sync.Mutex
	active   atomic.Pointer[tls.Certificate]
}

// New creates a Manager. Call Ensure before binding a listener to
// GetCertificate.
func New(cfg Config, logger *slog.Logger) *Manager {
	cfg.fillDefaults()
	return &Manager{cfg: cfg, log: logger, now: time.Now}
}

// GetCertificate hands the active certificate to a TLS handshake; it is
// meant for [tls.Config.GetCertificate].
func (m *Manager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := m.active.Load()
	if cert == nil {
		return nil, ErrNoCertificate
	}
	return cert, nil
}

// Ensure makes usable certificate material active: persisted material is
// loaded if present and not expiring within the renew window, otherwise new
// material is generated. An error means no usable material exists at all;
// the caller must not start the listener.
func (m *Manager) Ensure() error {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	cert, err := m.load()
	if err == nil {
		expiry := cert.Leaf.NotAfter
		if expiry.After(m.now().Add(m.cfg.RenewWindow)) {
			m.active.Store(cert)
			m.log.Info("certificate loaded", "expires_at", expiry.Format(time.RFC3339))
			return nil
		}
		m.log.Info("certificate expiring within safety window, regenerating", "expires_at", expiry.Format(time.RFC3339))
	} else if !errors.Is(err, os.ErrNotExist) {
		m.log.Warn("persisted certificate unusable, regenerating", "err", err)
	}

	if err := m.rotateLocked(); err != nil {
		return fmt.Errorf("obtain initial certificate: %w", err)
	}
	return nil
}

// Rotate unconditionally regenerates material, persists it, and swaps it
// into the live listener. On persistence failure the previous material
// stays active and keeps serving.
func (m *Manager) Rotate() error {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()
	return m.rotateLocked()
}

func (m *Manager) rotateLocked() error {
	cert, certPEM, keyPEM, err := m.generate()
	if err != nil {
		return fmt.Errorf("generate certificate: %w", err)
	}
	if err := m.persist(certPEM, keyPEM); err != nil {
		return fmt.Errorf("persist certificate: %w", err)
	}
	m.active.Store(cert)
	m.log.Info("certificate rotated", "expires_at", cert.Leaf.NotAfter.Format(time.RFC3339), "subject", m.cfg.Hostname)
	return nil
}

// Reload loads persisted material and, if it differs from the active
// certificate, swaps it in. Used when the files change on disk underneath
// the running process.
func (m *Manager) Reload() error {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	cert, err := m.load()
	if err != nil {
		return err
	}
	if current := m.active.Load(); current != nil && current.Leaf != nil &&
		current.Leaf.SerialNumber.Cmp(cert.Leaf.SerialNumber) == 0 {
		return nil
	}
	m.active.Store(cert)
	m.log.Info("certificate reloaded from disk", "expires_at", cert.Leaf.NotAfter.Format(time.RFC3339))
	return nil
}

func (m *Manager) certPath() string { return filepath.Join(m.cfg.Dir, certFileName) }
func (m *Manager) keyPath() string  { return filepath.Join(m.cfg.Dir, keyFileName) }

func (m *Manager) load() (*tls.Certificate, error) {
	if _, err := os.Stat(m.certPath()); err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(m.certPath(), m.keyPath())
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, err
	}
	cert.Leaf = leaf
	return &cert, nil
}

func (m *Manager) generate() (*tls.Certificate, []byte, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, nil, err
	}

	now := m.now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: m.cfg.Hostname},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(m.cfg.Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{m.cfg.Hostname, "localhost"},
		IPAddresses:           append([]net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}, localnet.LANAddrs()...),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, err
	}
	cert := &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	return cert, certPEM, keyPEM, nil
}

func (m *Manager) persist(certPEM, keyPEM []byte) error {
	if err := os.MkdirAll(m.cfg.Dir, 0o700); err != nil {
		return err
	}
	if err := writeFileAtomic(m.keyPath(), keyPEM, 0o600); err != nil {
		return err
	}
	return writeFileAtomic(m.certPath(), certPEM, 0o644)
}

// writeFileAtomic writes via a temp file and rename so a crash mid-write
// never leaves a truncated PEM at the well-known path.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
