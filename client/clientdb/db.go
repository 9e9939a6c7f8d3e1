// Copyright (c) 2025 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package clientdb implements the durable OMEMO key store on the local
// filesystem: one json file per record, written atomically via a temp file
// rename, guarded by a cross-process lock file.
package clientdb

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/companyzero/omemo/client/clientintf"
	"github.com/companyzero/omemo/internal/jsonfile"
	"github.com/companyzero/omemo/lockfile"
	"github.com/decred/slog"
)

const (
	lockFileName         = "db.lock"
	identityFilename     = "identity.json"
	localDevicesFilename = "localdevices.json"
	signedPreKeysFile    = "signedprekeys.json"
	lastRotationFile     = "lastrotation.json"
	preKeysDir           = "prekeys"
	sessionsDir          = "sessions"
	deviceListsDir       = "devicelists"
	fingerprintsDir      = "fingerprints"
	consumedDir          = "consumedprekeys"
	sessionFilename      = "session.json"
)

// Config holds the configuration for a DB instance.
type Config struct {
	// Root is the directory holding all db files.
	Root string

	// Logger is used for non-fatal warnings.
	Logger slog.Logger
}

// DB is the file-backed key store. All operations are durable on return.
// Individual operations are atomic; callers serialize logically dependent
// mutations.
type DB struct {
	root string
	log  slog.Logger

	// mtx serializes multi-file mutations (pre-key pool edits and
	// consumed pre-key bookkeeping).
	mtx sync.Mutex

	lockFile *lockfile.LockFile
}

// New creates (or reopens) the db rooted at cfg.Root. The db dir is locked
// against concurrent processes until Close.
func New(ctx context.Context, cfg Config) (*DB, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Disabled
	}

	if err := os.MkdirAll(cfg.Root, 0o700); err != nil {
		return nil, err
	}
	lockFilePath := filepath.Join(cfg.Root, lockFileName)
	lf, err := lockfile.Create(ctx, lockFilePath)
	if err != nil {
		return nil, fmt.Errorf("unable to create lockfile %q: %w",
			lockFilePath, err)
	}

	db := &DB{
		root:     cfg.Root,
		log:      log,
		lockFile: lf,
	}
	return db, nil
}

// Close releases the db lock.
func (db *DB) Close() error {
	return db.lockFile.Close()
}

// ownerDir returns a filesystem-safe directory element for a jid.
func ownerDir(owner string) string {
	return hex.EncodeToString([]byte(owner))
}

func (db *DB) sessionFile(d clientintf.Device) string {
	return filepath.Join(db.root, sessionsDir, ownerDir(d.Owner),
		d.ID.String(), sessionFilename)
}

func (db *DB) deviceListFile(owner string) string {
	return filepath.Join(db.root, deviceListsDir, ownerDir(owner)+".json")
}

func (db *DB) fingerprintFile(d clientintf.Device) string {
	return filepath.Join(db.root, fingerprintsDir, ownerDir(d.Owner),
		d.ID.String()+".json")
}

func (db *DB) consumedFile(d clientintf.Device) string {
	return filepath.Join(db.root, consumedDir, ownerDir(d.Owner),
		d.ID.String()+".json")
}

func (db *DB) preKeyFile(id uint32) string {
	return filepath.Join(db.root, preKeysDir, fmt.Sprintf("%d.json", id))
}

// readJSON reads fname into data, mapping a missing file to ErrNotFound.
func (db *DB) readJSON(fname string, data interface{}) error {
	err := jsonfile.Read(fname, data)
	if err == jsonfile.ErrNotFound {
		return clientintf.ErrNotFound
	}
	return err
}
