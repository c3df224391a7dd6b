package config

import (
	"os"
	"strings"
	"time"
)

// OversellHardCap bounds how many units a pick may exceed its allocation by.
// 0 (the default) means unlimited: overrides are accepted and only logged.
//
// Set via env:
// - OVERSELL_HARD_CAP=5
func OversellHardCap() int {
	n := intFromEnv("OVERSELL_HARD_CAP", 0)
	if n < 0 {
		return 0
	}
	return n
}

// MaterialConsumptionEnabled turns on the post-commit material consumption call after actualization.
func MaterialConsumptionEnabled() bool {
	return boolFromEnv("MATERIAL_CONSUMPTION_ENABLED", false)
}

// MaterialAllowPartial lets the material service consume what it has when stock is short.
func MaterialAllowPartial() bool {
	return boolFromEnv("MATERIAL_ALLOW_PARTIAL", true)
}

// InventoryOutboxEnabled writes an outbox row next to every inventory event for Pub/Sub fan-out.
func InventoryOutboxEnabled() bool {
	return boolFromEnv("INVENTORY_OUTBOX_ENABLED", false)
}

// OperationTimeout bounds a single ledger operation, including lock waits.
func OperationTimeout() time.Duration {
	return durationFromEnv("OPERATION_TIMEOUT_SECONDS", 15*time.Second)
}

// BatchLockTTL is how long a per-batch redis lock is held before it expires on its own.
func BatchLockTTL() time.Duration {
	return durationFromEnv("BATCH_LOCK_TTL_SECONDS", 30*time.Second)
}

// MaterialServiceURL is the base URL of the material consumption service.
func MaterialServiceURL() string {
	return strings.TrimRight(strings.TrimSpace(os.Getenv("MATERIAL_SERVICE_URL")), "/")
}

func MaterialServiceAPIKey() string {
	return strings.TrimSpace(os.Getenv("MATERIAL_SERVICE_API_KEY"))
}
