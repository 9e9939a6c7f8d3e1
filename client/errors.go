package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/companyzero/omemo/client/clientintf"
)

var (
	// errNotInitialized is returned when operations run before
	// Initialize completed.
	errNotInitialized = errors.New("client is not initialized")

	// errNoTrustCallback is returned when encrypting without an
	// installed trust callback.
	errNoTrustCallback = errors.New("no trust callback installed")

	// errTrustCallbackSet is returned when installing a second trust
	// callback.
	errTrustCallbackSet = errors.New("trust callback can only be set once")

	// errCorruptedKey flags unusable stored key material.
	errCorruptedKey = errors.New("corrupted key material")
)

// ErrNotInitialized reports whether err means the client was used before
// initialization.
func ErrNotInitialized(err error) bool {
	return errors.Is(err, errNotInitialized)
}

// UndecidedDevicesError aborts a send when active recipient devices have no
// trust decision yet. The caller resolves the decisions via the UI and
// retries.
type UndecidedDevicesError struct {
	Devices []clientintf.Device
}

func (err UndecidedDevicesError) Error() string {
	strs := make([]string, len(err.Devices))
	for i, d := range err.Devices {
		strs[i] = d.String()
	}
	return fmt.Sprintf("undecided devices: %s", strings.Join(strs, ", "))
}

func (err UndecidedDevicesError) Is(target error) bool {
	_, ok := target.(UndecidedDevicesError)
	return ok
}

// CannotEstablishError enumerates the devices a session could not be
// established with during a send. The send may be retried against the
// successes only via EncryptForExistingSessions.
type CannotEstablishError struct {
	Successes []clientintf.Device
	Failures  map[clientintf.Device]error
}

func (err CannotEstablishError) Error() string {
	strs := make([]string, 0, len(err.Failures))
	for d, derr := range err.Failures {
		strs = append(strs, fmt.Sprintf("%s: %v", d, derr))
	}
	return fmt.Sprintf("cannot establish session with %d device(s): %s",
		len(err.Failures), strings.Join(strs, "; "))
}

func (err CannotEstablishError) Is(target error) bool {
	_, ok := target.(CannotEstablishError)
	return ok
}

// NoBundleError is returned when a peer device published no pre-key bundle.
type NoBundleError struct {
	Device clientintf.Device
}

func (err NoBundleError) Error() string {
	return fmt.Sprintf("no bundle published by %s", err.Device)
}

func (err NoBundleError) Is(target error) bool {
	_, ok := target.(NoBundleError)
	return ok
}

// NoOmemoSupportError is returned for group sends to rooms that are not
// both members-only and non-anonymous.
type NoOmemoSupportError struct {
	Room string
}

func (err NoOmemoSupportError) Error() string {
	return fmt.Sprintf("room %s does not support OMEMO", err.Room)
}

func (err NoOmemoSupportError) Is(target error) bool {
	_, ok := target.(NoOmemoSupportError)
	return ok
}

var (
	// errNotForUs flags elements without a key for the local device.
	// Such messages are silently skipped.
	errNotForUs = errors.New("element carries no key for local device")

	// errNoSession is returned when decrypting a non-prekey message from
	// a device without a stored session.
	errNoSession = errors.New("no session with sender device")

	// errCorrupted is returned when unwrapping or payload decryption
	// fails authentication.
	errCorrupted = errors.New("message corrupted")

	// errSkippedOverflow is returned when a message is too far ahead in
	// its ratchet chain.
	errSkippedOverflow = errors.New("too many skipped ratchet steps")
)

// ErrIsCorrupted reports whether err means an undecryptable message.
func ErrIsCorrupted(err error) bool {
	return errors.Is(err, errCorrupted)
}

// ErrIsNoSession reports whether err means a missing sender session.
func ErrIsNoSession(err error) bool {
	return errors.Is(err, errNoSession)
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, clientintf.ErrNotFound)
}
