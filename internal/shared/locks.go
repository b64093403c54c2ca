package shared

import "fmt"

// RecoupmentLockKey builds redis keys for the per-user recoupment critical
// section. Concurrent statement runs for the same user must never apply the
// waterfall at the same time or balances get double-deducted.
func RecoupmentLockKey(userID int64) string {
	return fmt.Sprintf("royalty:recoup:%d:lock", userID)
}
