// Package models defines types shared across internal packages.
package models

import (
	"fmt"
	"strings"
)

// EntityKind identifies what sort of syncable thing an entity is.
type EntityKind string

const (
	KindWallet      EntityKind = "WALLET"
	KindBankAccount EntityKind = "BANK_ACCOUNT"
)

// ParseEntityKind accepts the wire spelling of a kind, case-insensitively.
func ParseEntityKind(s string) (EntityKind, error) {
	switch EntityKind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindWallet:
		return KindWallet, nil
	case KindBankAccount:
		return KindBankAccount, nil
	}

	return "", fmt.Errorf("unknown entity kind %q", s)
}

// Valid reports whether k is a known kind.
func (k EntityKind) Valid() bool {
	return k == KindWallet || k == KindBankAccount
}

// SyncStatus is the state of one entity's sync run.
type SyncStatus string

const (
	// StatusIdle marks an entity that has never synced, or whose run was
	// interrupted by a restart.
	StatusIdle   SyncStatus = "IDLE"
	StatusQueued SyncStatus = "QUEUED"

	StatusSyncingBalance      SyncStatus = "SYNCING_BALANCE"
	StatusSyncingTransactions SyncStatus = "SYNCING_TRANSACTIONS"
	StatusSyncingAssets       SyncStatus = "SYNCING_ASSETS"
	StatusSyncingNFTs         SyncStatus = "SYNCING_NFTS"
	StatusSyncingDeFi         SyncStatus = "SYNCING_DEFI"

	StatusCompleted SyncStatus = "COMPLETED"
	StatusFailed    SyncStatus = "FAILED"
)

var allStatuses = []SyncStatus{
	StatusIdle,
	StatusQueued,
	StatusSyncingBalance,
	StatusSyncingTransactions,
	StatusSyncingAssets,
	StatusSyncingNFTs,
	StatusSyncingDeFi,
	StatusCompleted,
	StatusFailed,
}

// ParseSyncStatus maps a wire string onto the closed status set.
func ParseSyncStatus(s string) (SyncStatus, error) {
	candidate := SyncStatus(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range allStatuses {
		if st == candidate {
			return st, nil
		}
	}

	return "", fmt.Errorf("unknown sync status %q", s)
}

// Valid reports whether s is a member of the closed status set.
func (s SyncStatus) Valid() bool {
	for _, st := range allStatuses {
		if st == s {
			return true
		}
	}

	return false
}

// IsActive reports whether s is one of the in-progress pipeline phases.
// QUEUED is not active: no work has started yet.
func (s SyncStatus) IsActive() bool {
	switch s {
	case StatusSyncingBalance,
		StatusSyncingTransactions,
		StatusSyncingAssets,
		StatusSyncingNFTs,
		StatusSyncingDeFi:
		return true
	}

	return false
}

// IsTerminal reports whether s ends a run.
func (s SyncStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InFlight reports whether a run is queued or underway.
func (s SyncStatus) InFlight() bool {
	return s == StatusQueued || s.IsActive()
}

// SupportsKind reports whether the status may be used by an entity of the
// given kind. Bank accounts only go through balance and transaction phases.
func (s SyncStatus) SupportsKind(k EntityKind) bool {
	if !s.IsActive() {
		return true
	}

	if k == KindBankAccount {
		return s == StatusSyncingBalance || s == StatusSyncingTransactions
	}

	return k == KindWallet
}

// Bucket is the coarse grouping used by aggregation.
type Bucket string

const (
	BucketIdle           Bucket = "IDLE"
	BucketQueuedOrActive Bucket = "QUEUED_OR_ACTIVE"
	BucketCompleted      Bucket = "COMPLETED"
	BucketFailed         Bucket = "FAILED"
)

// Bucket classifies s for aggregation.
func (s SyncStatus) Bucket() Bucket {
	switch {
	case s.InFlight():
		return BucketQueuedOrActive
	case s == StatusCompleted:
		return BucketCompleted
	case s == StatusFailed:
		return BucketFailed
	default:
		return BucketIdle
	}
}
