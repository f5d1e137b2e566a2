package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/mholt/acmez/v3"
	"github.com/mholt/acmez/v3/acme"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/benliao/bws/internal/bwserrors"
	"github.com/benliao/bws/internal/bwslog"
	"github.com/benliao/bws/internal/certstore"
)

const (
	productionDirectory = "https://acme-v02.api.letsencrypt.org/directory"
	stagingDirectory    = "https://acme-staging-v02.api.letsencrypt.org/directory"

	accountKeyFile = "acme/account.key"
)

// Order describes one certificate to obtain: the domain set from a
// single site's SslConfig::Auto block.
type Order struct {
	Domains []string
	Email   string
	Staging bool
}

// Client drives the ACME HTTP-01 flow against a directory (production
// or staging), installing the result into a certstore.Store. It is
// safe for concurrent use; concurrent requests for the same domain
// set are collapsed via singleflight so a reload storm doesn't open
// duplicate orders.
type Client struct {
	Storage *certstore.DiskStorage
	Table   *ChallengeTable
	Store   *certstore.Store
	log     *zap.Logger

	group singleflight.Group
}

// NewClient builds an ACME Client persisting its account key and
// order state under storage.
func NewClient(storage *certstore.DiskStorage, table *ChallengeTable, store *certstore.Store) *Client {
	return &Client{
		Storage: storage,
		Table:   table,
		Store:   store,
		log:     bwslog.Named("acme"),
	}
}

// Obtain runs a full order for order, installing the result into
// c.Store on success. Obtain itself does not retry on failure; it
// performs exactly one order attempt (including the single nonce
// retry acmez performs internally), leaving backoff and re-attempts
// to the caller (internal/renewal.Scheduler).
func (c *Client) Obtain(ctx context.Context, order Order) error {
	key := orderKey(order)
	_, err, _ := c.group.Do(key, func() (interface{}, error) {
		return nil, c.obtainOnce(ctx, order)
	})
	return err
}

func (c *Client) obtainOnce(ctx context.Context, order Order) error {
	dir := productionDirectory
	if order.Staging {
		dir = stagingDirectory
	}

	accountKey, err := c.loadOrCreateAccountKey()
	if err != nil {
		return bwserrors.Wrap(bwserrors.KindAcmeFailed, "loading ACME account key", err)
	}

	client := acmez.Client{
		Client: &acme.Client{
			Directory: dir,
		},
		ChallengeSolvers: map[string]acmez.Solver{
			acme.ChallengeTypeHTTP01: Solver{Table: c.Table},
		},
	}

	account := acme.Account{
		Contact:              contactsFor(order.Email),
		TermsOfServiceAgreed: true,
		PrivateKey:           accountKey,
	}
	account, err = client.NewAccount(ctx, account)
	if err != nil {
		return bwserrors.Wrap(bwserrors.KindAcmeFailed, "registering ACME account", err)
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return bwserrors.Wrap(bwserrors.KindAcmeFailed, "generating certificate key", err)
	}

	certs, err := client.ObtainCertificateForSANs(ctx, account, certKey, order.Domains)
	if err != nil {
		return bwserrors.Wrap(bwserrors.KindAcmeFailed, "obtaining certificate", err)
	}
	if len(certs) == 0 {
		return bwserrors.New(bwserrors.KindAcmeFailed, "ACME order completed with no certificates")
	}

	cert, err := chainToCertificate(certs[0].ChainPEM, certKey)
	if err != nil {
		return bwserrors.Wrap(bwserrors.KindAcmeFailed, "parsing issued certificate", err)
	}

	c.Store.Install(order.Domains, cert)
	c.log.Info("installed ACME certificate",
		zap.Strings("domains", order.Domains),
		zap.Time("not_after", cert.NotAfter))
	return nil
}

func (c *Client) loadOrCreateAccountKey() (*ecdsa.PrivateKey, error) {
	ctx := context.Background()
	if c.Storage.Exists(ctx, accountKeyFile) {
		raw, err := c.Storage.Load(ctx, accountKeyFile)
		if err != nil {
			return nil, err
		}
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, fmt.Errorf("account key file is not valid PEM")
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
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := c.Storage.Store(ctx, accountKeyFile, pemBytes); err != nil {
		return nil, err
	}
	return key, nil
}

func contactsFor(email string) []string {
	if email == "" {
		return nil
	}
	return []string{"mailto:" + email}
}

func orderKey(o Order) string {
	key := fmt.Sprintf("%v", o.Domains)
	if o.Staging {
		key += "|staging"
	}
	return key
}

// defaultPollInterval documents the authorization polling cadence:
// every 2s, up to 30 times, before giving up. acmez performs this
// polling internally; the constants are kept here for documentation
// only and are not read by any code.
const defaultPollInterval = 2 * time.Second
const maxPolls = 30
