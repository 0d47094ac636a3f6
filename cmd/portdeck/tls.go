package main

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
	"io/fs"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/MrTeeett/portdeck/internal/config"
)

const (
	selfSignedCertName = "portdeck.tls.crt"
	selfSignedKeyName  = "portdeck.tls.key"
	selfSignedValidity = 365 * 24 * time.Hour
)

// useSelfSignedTLS points cfg at portdeck.tls.{crt,key} beside the config
// file, creating the pair when it is missing, and saves that choice with
// cookie_secure so later runs serve HTTPS without the flag.
func useSelfSignedTLS(configPath string, cfg *config.Config) (certFile, keyFile string, err error) {
	dir := filepath.Dir(filepath.Clean(configPath))
	certFile = filepath.Join(dir, selfSignedCertName)
	keyFile = filepath.Join(dir, selfSignedKeyName)

	_, err = tls.LoadX509KeyPair(certFile, keyFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := writeSelfSignedPair(certFile, keyFile, cfg.Listen); err != nil {
			return "", "", err
		}
		slog.Info("generated self-signed certificate", "cert", certFile, "key", keyFile)
	case err != nil:
		return "", "", fmt.Errorf("%s: %w", selfSignedCertName, err)
	}

	cfg.TLSCertFile, cfg.TLSKeyFile, cfg.CookieSecure = selfSignedCertName, selfSignedKeyName, true
	if err := config.Update(configPath, map[string]any{
		"tls_cert_file": selfSignedCertName,
		"tls_key_file":  selfSignedKeyName,
		"cookie_secure": true,
	}); err != nil {
		return "", "", err
	}
	return certFile, keyFile, nil
}

func writeSelfSignedPair(certFile, keyFile, listen string) error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}
	names, ips := certHosts(listen)
	now := time.Now()
	tpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: names[len(names)-1], Organization: []string{"portdeck"}},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(selfSignedValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     names,
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &priv.PublicKey, priv)
	if err != nil {
		return err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return err
	}

	// The key goes first: a lone certificate would not load as a pair.
	if err := config.WriteFileAtomic(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return err
	}
	return config.WriteFileAtomic(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644)
}

// certHosts lists the names a certificate for listen should cover. Loopback is
// always in; a wildcard listen adds the machine's hostname.
func certHosts(listen string) ([]string, []net.IP) {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		host = listen
	}
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	switch host = strings.Trim(strings.TrimSpace(host), "[]"); host {
	case "", "0.0.0.0", "::":
		if hn, err := os.Hostname(); err == nil {
			hosts = append(hosts, strings.TrimSpace(hn))
		}
	default:
		hosts = append(hosts, host)
	}
	hosts = lo.Uniq(lo.Compact(hosts))

	names := lo.Filter(hosts, func(h string, _ int) bool { return net.ParseIP(h) == nil })
	ips := lo.FilterMap(hosts, func(h string, _ int) (net.IP, bool) {
		ip := net.ParseIP(h)
		return ip, ip != nil
	})
	return names, ips
}
