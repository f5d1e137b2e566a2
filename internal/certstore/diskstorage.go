package certstore

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/caddyserver/certmagic"
)

// DiskStorage persists ACME account keys and issued certificates
// under a root directory, fulfilling certmagic.Storage so the ACME
// client (internal/acme) can reuse certmagic's storage contract
// rather than inventing a bespoke one. Paths follow the same
// key-as-relative-path convention as Caddy's FileStorage
// (caddytls/filestorage.go), simplified to a flat key->file mapping
// since BWS does not need FileStorage's cross-CA namespacing.
//
// File permissions: private keys are written 0600, everything else
// 0644.
type DiskStorage struct {
	Root string
}

var _ certmagic.Storage = (*DiskStorage)(nil)

// NewDiskStorage ensures root exists and returns a DiskStorage rooted there.
func NewDiskStorage(root string) (*DiskStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DiskStorage{Root: root}, nil
}

func (d *DiskStorage) path(key string) string {
	return filepath.Join(d.Root, filepath.FromSlash(key))
}

func (d *DiskStorage) perm(key string) os.FileMode {
	if filepath.Ext(key) == ".key" {
		return 0o600
	}
	return 0o644
}

func (d *DiskStorage) Store(_ context.Context, key string, value []byte) error {
	p := d.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, value, d.perm(key))
}

func (d *DiskStorage) Load(_ context.Context, key string) ([]byte, error) {
	return os.ReadFile(d.path(key))
}

func (d *DiskStorage) Delete(_ context.Context, key string) error {
	return os.Remove(d.path(key))
}

func (d *DiskStorage) Exists(_ context.Context, key string) bool {
	_, err := os.Stat(d.path(key))
	return err == nil
}

func (d *DiskStorage) List(_ context.Context, prefix string, recursive bool) ([]string, error) {
	base := d.path(prefix)
	var out []string
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, e := range entries {
		rel := filepath.ToSlash(filepath.Join(prefix, e.Name()))
		out = append(out, rel)
		if recursive && e.IsDir() {
			children, err := d.List(context.Background(), rel, true)
			if err != nil {
				return nil, err
			}
			out = append(out, children...)
		}
	}
	return out, nil
}

func (d *DiskStorage) Stat(_ context.Context, key string) (certmagic.KeyInfo, error) {
	info, err := os.Stat(d.path(key))
	if err != nil {
		return certmagic.KeyInfo{}, err
	}
	return certmagic.KeyInfo{
		Key:        key,
		Modified:   info.ModTime(),
		Size:       info.Size(),
		IsTerminal: !info.IsDir(),
	}, nil
}

// Lock/Unlock implement a simple advisory filesystem lock: a ".lock"
// sentinel file whose presence is checked with O_EXCL. This is
// sufficient for BWS, which runs ACME issuance single-threaded per
// domain set (see internal/acme's singleflight use) and does not need
// to coordinate across hosts the way certmagic's distributed lock
// implementations do.
func (d *DiskStorage) Lock(ctx context.Context, key string) error {
	p := d.path(key) + ".lock"
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	deadline := time.Now().Add(30 * time.Second)
	for {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f.Close()
		}
		if time.Now().After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (d *DiskStorage) Unlock(_ context.Context, key string) error {
	err := os.Remove(d.path(key) + ".lock")
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
