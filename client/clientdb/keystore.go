// Copyright (c) 2025 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package clientdb

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/companyzero/omemo/client/clientintf"
	"github.com/companyzero/omemo/internal/jsonfile"
	"github.com/companyzero/omemo/omemoid"
	"golang.org/x/exp/slices"
)

// LocalIdentity returns the stored identity.
func (db *DB) LocalIdentity() (*omemoid.FullIdentity, error) {
	id := new(omemoid.FullIdentity)
	if err := db.readJSON(filepath.Join(db.root, identityFilename), id); err != nil {
		return nil, err
	}
	return id, nil
}

// SaveLocalIdentity persists the local identity.
func (db *DB) SaveLocalIdentity(id *omemoid.FullIdentity) error {
	return jsonfile.Write(filepath.Join(db.root, identityFilename), id, db.log)
}

// LocalDeviceIDs lists locally provisioned device ids.
func (db *DB) LocalDeviceIDs() ([]clientintf.DeviceID, error) {
	var ids []clientintf.DeviceID
	err := db.readJSON(filepath.Join(db.root, localDevicesFilename), &ids)
	if errors.Is(err, clientintf.ErrNotFound) {
		return nil, nil
	}
	return ids, err
}

// SaveLocalDeviceIDs persists the locally provisioned device ids.
func (db *DB) SaveLocalDeviceIDs(ids []clientintf.DeviceID) error {
	return jsonfile.Write(filepath.Join(db.root, localDevicesFilename),
		ids, db.log)
}

type signedPreKeys struct {
	Current  *omemoid.SignedPreKey `json:"current"`
	Previous *omemoid.SignedPreKey `json:"previous,omitempty"`
}

// SignedPreKeys returns the current and previous signed pre-keys.
func (db *DB) SignedPreKeys() (*omemoid.SignedPreKey, *omemoid.SignedPreKey, error) {
	var spks signedPreKeys
	err := db.readJSON(filepath.Join(db.root, signedPreKeysFile), &spks)
	if err != nil {
		return nil, nil, err
	}
	return spks.Current, spks.Previous, nil
}

// SaveSignedPreKeys persists both signed pre-key generations atomically.
func (db *DB) SaveSignedPreKeys(current, previous *omemoid.SignedPreKey) error {
	return jsonfile.Write(filepath.Join(db.root, signedPreKeysFile),
		signedPreKeys{Current: current, Previous: previous}, db.log)
}

// PreKeys lists the one-time pre-key pool, sorted by id.
func (db *DB) PreKeys() ([]*omemoid.PreKey, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()

	dir := filepath.Join(db.root, preKeysDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var pks []*omemoid.PreKey
	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		if _, err := strconv.ParseUint(name[:len(name)-5], 10, 32); err != nil {
			continue
		}
		pk := new(omemoid.PreKey)
		if err := jsonfile.Read(filepath.Join(dir, name), pk); err != nil {
			db.log.Warnf("Skipping unreadable pre-key file %s: %v", name, err)
			continue
		}
		pks = append(pks, pk)
	}
	slices.SortFunc(pks, func(a, b *omemoid.PreKey) int {
		return int(a.ID) - int(b.ID)
	})
	return pks, nil
}

// PreKey returns the one-time pre-key with the given id.
func (db *DB) PreKey(id uint32) (*omemoid.PreKey, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()

	pk := new(omemoid.PreKey)
	if err := db.readJSON(db.preKeyFile(id), pk); err != nil {
		return nil, err
	}
	return pk, nil
}

// SavePreKey persists one one-time pre-key.
func (db *DB) SavePreKey(pk *omemoid.PreKey) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()

	return jsonfile.Write(db.preKeyFile(pk.ID), pk, db.log)
}

// DeletePreKey removes a consumed one-time pre-key.
func (db *DB) DeletePreKey(id uint32) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()

	return jsonfile.RemoveIfExists(db.preKeyFile(id))
}

// Session returns the stored session with d.
func (db *DB) Session(d clientintf.Device) (*clientintf.SessionRecord, error) {
	r := new(clientintf.SessionRecord)
	if err := db.readJSON(db.sessionFile(d), r); err != nil {
		return nil, err
	}
	return r, nil
}

// SaveSession persists the session with d as a single record.
func (db *DB) SaveSession(d clientintf.Device, r *clientintf.SessionRecord) error {
	return jsonfile.Write(db.sessionFile(d), r, db.log)
}

// DeleteSession removes the session with d.
func (db *DB) DeleteSession(d clientintf.Device) error {
	return jsonfile.RemoveIfExists(db.sessionFile(d))
}

// DeviceList returns the cached device list of owner.
func (db *DB) DeviceList(owner string) (*clientintf.CachedDeviceList, error) {
	l := new(clientintf.CachedDeviceList)
	if err := db.readJSON(db.deviceListFile(owner), l); err != nil {
		return nil, err
	}
	return l, nil
}

// SaveDeviceList persists the cached device list of owner.
func (db *DB) SaveDeviceList(owner string, l *clientintf.CachedDeviceList) error {
	return jsonfile.Write(db.deviceListFile(owner), l, db.log)
}

// Fingerprint returns the last known identity fingerprint of d.
func (db *DB) Fingerprint(d clientintf.Device) (string, error) {
	var fp string
	if err := db.readJSON(db.fingerprintFile(d), &fp); err != nil {
		return "", err
	}
	return fp, nil
}

// SaveFingerprint records the identity fingerprint of d.
func (db *DB) SaveFingerprint(d clientintf.Device, fingerprint string) error {
	return jsonfile.Write(db.fingerprintFile(d), fingerprint, db.log)
}

// ConsumedPreKeys lists bundle pre-key ids already consumed against peer.
func (db *DB) ConsumedPreKeys(peer clientintf.Device) ([]uint32, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()

	var ids []uint32
	err := db.readJSON(db.consumedFile(peer), &ids)
	if errors.Is(err, clientintf.ErrNotFound) {
		return nil, nil
	}
	return ids, err
}

// MarkPreKeyConsumed records that the bundle pre-key id was consumed
// against peer.
func (db *DB) MarkPreKeyConsumed(peer clientintf.Device, id uint32) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()

	var ids []uint32
	err := db.readJSON(db.consumedFile(peer), &ids)
	if err != nil && !errors.Is(err, clientintf.ErrNotFound) {
		return err
	}
	if slices.Contains(ids, id) {
		return nil
	}
	ids = append(ids, id)
	return jsonfile.Write(db.consumedFile(peer), ids, db.log)
}

// LastRotation returns the time of the last signed pre-key rotation.
func (db *DB) LastRotation() (time.Time, error) {
	var t time.Time
	err := db.readJSON(filepath.Join(db.root, lastRotationFile), &t)
	if errors.Is(err, clientintf.ErrNotFound) {
		return time.Time{}, nil
	}
	return t, err
}

// SaveLastRotation records the time of the last signed pre-key rotation.
func (db *DB) SaveLastRotation(t time.Time) error {
	return jsonfile.Write(filepath.Join(db.root, lastRotationFile), t, db.log)
}
