package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrResolved is returned when resolving a pairing request that has already
// been approved or rejected.
var ErrResolved = errors.New("pairing request already resolved")

// PairingStore persists pairing requests and approved device records.
type PairingStore interface {
	// Pairing requests
	SavePairingRequest(req *PairingRequest) error
	GetPairingRequest(requestID string) (*PairingRequest, error)
	ListPairingRequests() ([]*PairingRequest, error)

	// ResolvePairingRequest marks a pending request approved or rejected in
	// a single transaction and returns the resolved record. Returns
	// ErrResolved if the request was already terminal.
	ResolvePairingRequest(requestID string, approved bool, now time.Time) (*PairingRequest, error)

	// PrunePairingRequests deletes pending requests created before cutoff
	// and returns how many were removed.
	PrunePairingRequests(cutoff time.Time) (int, error)

	// Paired devices
	SaveDevice(dev *PairedDevice) error
	GetDevice(deviceID string) (*PairedDevice, error)
	DeleteDevice(deviceID string) error
	ListDevices() ([]*PairedDevice, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a
	// single transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(deviceID string, fn func(dev *PairedDevice) error) error
}

// TokenStore persists device-bound bearer tokens, addressable both by token
// value and by (device, role).
type TokenStore interface {
	// SaveToken writes a token record and its (device, role) index entry,
	// removing any previous token value for that pair.
	SaveToken(tok *DeviceToken) error
	GetToken(token string) (*DeviceToken, error)
	GetDeviceToken(deviceID, role string) (*DeviceToken, error)

	// RevokeToken marks a token permanently unusable. The record is kept so
	// a replayed value keeps failing with a definitive answer.
	RevokeToken(token string) error

	// RevokeDeviceTokens revokes every token minted for a device.
	RevokeDeviceTokens(deviceID string) error
}

// Store is the full persistence surface of the gateway, with its own
// lifecycle: opened at process start, closed at shutdown.
type Store interface {
	PairingStore
	TokenStore
	Close() error
}
