package certstore

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"golang.org/x/crypto/ocsp"

	"github.com/benliao/bws/internal/bwserrors"
)

// LoadKeyPair parses a PEM cert chain + PKCS#8/PKCS#1 key pair from
// disk into a Certificate, as required for a manually configured
// site's TLS material at config-load time. tls.LoadX509KeyPair
// already accepts both PKCS#1 and PKCS#8 keys. If a DER-encoded OCSP
// response sits next to the cert at certPath+".ocsp", it is attached
// via ApplyOCSPStaple; a missing or unreadable staple is not an
// error, since stapling is optional.
func LoadKeyPair(certPath, keyPath string) (*Certificate, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, bwserrors.Wrap(bwserrors.KindConfigInvalid, "loading X.509 key pair", err)
	}
	cert, err := FromTLSCertificate(pair)
	if err != nil {
		return nil, err
	}
	if staple, err := os.ReadFile(certPath + ".ocsp"); err == nil {
		_ = cert.ApplyOCSPStaple(staple)
	}
	return cert, nil
}

// ApplyOCSPStaple parses a DER-encoded OCSP response and, if it
// decodes and reports the certificate as Good, attaches it and its
// NextUpdate to c for later use by a stapling-capable listener.
// Signature verification against the issuer is skipped here since the
// issuer chain isn't always available at load time; a response that
// fails to parse or reports a non-Good status is ignored rather than
// treated as fatal, consistent with stapling being best-effort.
func (c *Certificate) ApplyOCSPStaple(der []byte) error {
	resp, err := ocsp.ParseResponse(der, nil)
	if err != nil {
		return bwserrors.Wrap(bwserrors.KindConfigInvalid, "parsing OCSP staple", err)
	}
	if resp.Status != ocsp.Good {
		return bwserrors.New(bwserrors.KindConfigInvalid, "OCSP staple reports non-Good status")
	}
	c.OCSPStaple = der
	c.OCSPNextUpdate = resp.NextUpdate
	return nil
}

// FromTLSCertificate extracts the metadata (NotAfter, SAN names) BWS
// tracks alongside a parsed tls.Certificate.
func FromTLSCertificate(pair tls.Certificate) (*Certificate, error) {
	if len(pair.Certificate) == 0 {
		return nil, bwserrors.New(bwserrors.KindConfigInvalid, "certificate chain is empty")
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, bwserrors.Wrap(bwserrors.KindConfigInvalid, "parsing leaf certificate", err)
	}
	pair.Leaf = leaf

	names := append([]string{}, leaf.DNSNames...)
	if leaf.Subject.CommonName != "" {
		names = append([]string{leaf.Subject.CommonName}, names...)
	}

	return &Certificate{
		Chain:    pair.Certificate,
		Leaf:     &pair,
		NotAfter: leaf.NotAfter,
		Names:    names,
	}, nil
}
