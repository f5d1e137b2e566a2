package acme

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/benliao/bws/internal/certstore"
)

// chainToCertificate assembles the PEM chain acmez returns plus the
// certificate's private key into the certstore.Certificate shape the
// Store expects.
func chainToCertificate(chainPEM []byte, key *ecdsa.PrivateKey) (*certstore.Certificate, error) {
	var der [][]byte
	rest := chainPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			der = append(der, block.Bytes)
		}
	}
	if len(der) == 0 {
		return nil, fmt.Errorf("no certificates found in ACME response")
	}

	leaf, err := x509.ParseCertificate(der[0])
	if err != nil {
		return nil, err
	}

	tlsCert := tls.Certificate{Certificate: der, PrivateKey: key, Leaf: leaf}

	names := append([]string{}, leaf.DNSNames...)
	if leaf.Subject.CommonName != "" {
		names = append([]string{leaf.Subject.CommonName}, names...)
	}

	return &certstore.Certificate{
		Chain:    der,
		Leaf:     &tlsCert,
		NotAfter: leaf.NotAfter,
		Names:    names,
	}, nil
}
