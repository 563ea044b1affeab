package placement

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// DataDir is the per-device directory holding account databases
const DataDir = "accounts"

// HashPath returns the hex md5 of prefix + "/" + the joined names + suffix.
// Empty trailing names are dropped so an account hashes on its own.
func HashPath(prefix, suffix string, account string, names ...string) string {
	parts := []string{account}
	for _, n := range names {
		if n == "" {
			break
		}
		parts = append(parts, n)
	}
	sum := md5.Sum([]byte(prefix + "/" + strings.Join(parts, "/") + suffix))
	return hex.EncodeToString(sum[:])
}

// StorageDirectory is datadir/partition/<last three hash chars>/hash
func StorageDirectory(datadir, partition, hash string) string {
	suffix := hash
	if len(hash) > 3 {
		suffix = hash[len(hash)-3:]
	}
	return filepath.Join(datadir, partition, suffix, hash)
}

// Resolver maps account names to database files under a devices root
type Resolver struct {
	root   string
	prefix string
	suffix string
}

// NewResolver creates a resolver rooted at the devices directory
func NewResolver(root, hashPrefix, hashSuffix string) *Resolver {
	return &Resolver{root: root, prefix: hashPrefix, suffix: hashSuffix}
}

// Root returns the devices root
func (r *Resolver) Root() string {
	return r.root
}

// AccountHash returns the storage key of an account
func (r *Resolver) AccountHash(account string) string {
	return HashPath(r.prefix, r.suffix, account)
}

// DBPath returns root/device/accounts/partition/<suffix>/hash/hash.db
func (r *Resolver) DBPath(device, partition, hash string) string {
	return filepath.Join(r.DevicePath(device), StorageDirectory(DataDir, partition, hash), hash+".db")
}

// AccountDBPath resolves an account name straight to its database path
func (r *Resolver) AccountDBPath(device, partition, account string) string {
	return r.DBPath(device, partition, r.AccountHash(account))
}

// DevicePath returns root/device
func (r *Resolver) DevicePath(device string) string {
	return filepath.Join(r.root, device)
}

// TmpDir returns the staging directory replication peers copy databases into
func (r *Resolver) TmpDir(device string) string {
	return filepath.Join(r.DevicePath(device), "tmp")
}
