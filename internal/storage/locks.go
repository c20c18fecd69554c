package storage

import (
	"errors"
	"fmt"
	"time"
)

// Lock errors.
var (
	ErrLockHeld    = errors.New("swap lock held by another owner")
	ErrLockNotHeld = errors.New("swap lock not held")
)

// AcquireSwapLock takes the reentrancy lock of a swap for owner until
// now+ttl. An expired lock, or one already held by owner, is taken over.
func (s *Storage) AcquireSwapLock(uuid, owner string, ttl time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO swap_locks (uuid, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE swap_locks.owner = excluded.owner OR swap_locks.expires_at <= ?
	`, uuid, owner, now.Unix(), now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to acquire swap lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrLockHeld, uuid)
	}
	return nil
}

// RenewSwapLock extends a lock owner still holds. A lock that expired and
// was taken by someone else is reported as ErrLockNotHeld.
func (s *Storage) RenewSwapLock(uuid, owner string, ttl time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE swap_locks SET expires_at = ? WHERE uuid = ? AND owner = ?",
		now.Add(ttl).Unix(), uuid, owner,
	)
	if err != nil {
		return fmt.Errorf("failed to renew swap lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrLockNotHeld, uuid)
	}
	return nil
}

// ReleaseSwapLock drops owner's lock. Releasing a lock that is not held is
// not an error.
func (s *Storage) ReleaseSwapLock(uuid, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM swap_locks WHERE uuid = ? AND owner = ?", uuid, owner)
	return err
}
