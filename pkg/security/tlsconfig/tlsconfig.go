// Package tlsconfig builds tls.Config values for the RPC surface, with
// lazy certificate reloads so operators can rotate files in place.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"sync"
	"time"
)

// Options defines mTLS configuration inputs.
type Options struct {
	Enable             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
	ServerName         string
}

const reloadTTL = 10 * time.Second

// certLoader caches a key pair from disk, re-reading it at most every
// reloadTTL so manual rotation takes effect without a restart.
type certLoader struct {
	certFile, keyFile string

	mu       sync.RWMutex
	cached   *tls.Certificate
	lastLoad time.Time
}

func (l *certLoader) load() (*tls.Certificate, error) {
	if l.certFile == "" || l.keyFile == "" {
		return nil, nil
	}
	l.mu.RLock()
	if l.cached != nil && time.Since(l.lastLoad) < reloadTTL {
		c := *l.cached
		l.mu.RUnlock()
		return &c, nil
	}
	l.mu.RUnlock()
	cert, err := tls.LoadX509KeyPair(l.certFile, l.keyFile)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cached = &cert
	l.lastLoad = time.Now()
	l.mu.Unlock()
	return &cert, nil
}

func (o Options) caPool() (*x509.CertPool, error) {
	if o.CAFile == "" {
		return nil, nil
	}
	ca, err := os.ReadFile(o.CAFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(ca)
	return pool, nil
}

// Server returns a server tls.Config when enabled, nil otherwise. The
// certificate is reloaded lazily on handshake.
func (o Options) Server() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, errors.New("tls: server cert/key required when TLS enabled")
	}
	cfg := &tls.Config{}
	pool, err := o.caPool()
	if err != nil {
		return nil, err
	}
	if pool != nil {
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	loader := &certLoader{certFile: o.CertFile, keyFile: o.KeyFile}
	cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return loader.load()
	}
	return cfg, nil
}

// Client returns a client tls.Config when enabled, nil otherwise. A
// configured client certificate is reloaded lazily as well.
func (o Options) Client() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
	if o.ServerName != "" {
		cfg.ServerName = o.ServerName
	}
	pool, err := o.caPool()
	if err != nil {
		return nil, err
	}
	if pool != nil {
		cfg.RootCAs = pool
	}
	if o.CertFile != "" && o.KeyFile != "" {
		loader := &certLoader{certFile: o.CertFile, keyFile: o.KeyFile}
		cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return loader.load()
		}
	}
	return cfg, nil
}
