package certstore

import "github.com/benliao/bws/internal/bwserrors"

func errNoCertForSNI(sni string) error {
	return bwserrors.Wrap(bwserrors.KindTLSHandshakeFailed, "no certificate for SNI", errSNI(sni))
}

type errSNI string

func (e errSNI) Error() string { return "unknown server name: " + string(e) }
