package ipc

import (
	"github.com/nomarr/nomarr/errors"
	"github.com/nomarr/nomarr/storage"
)

// Claim is an advisory lease on a resource, finer-grained than a job row.
// Discovery-based workers that scan for eligible files take a claim before
// touching one so two scanners never process the same path.
type Claim struct {
	ResourceID string
	WorkerID   string
	AcquiredAt int64
	LeaseMS    int64
}

// ClaimStore reads and writes the claims table.
type ClaimStore struct {
	db     *storage.DB
	health *HealthStore
}

// NewClaimStore creates a claim store over db. Validity checks consult the
// owning worker's health row, so the store carries a health store too.
func NewClaimStore(db *storage.DB, health *HealthStore) *ClaimStore {
	return &ClaimStore{db: db, health: health}
}

// Acquire takes the lease on resourceID for workerID. Returns false if a
// still-valid claim by another worker exists. An expired or orphaned claim
// is stolen.
func (s *ClaimStore) Acquire(resourceID, workerID string, leaseMS int64, heartbeatStaleMS int64) (bool, error) {
	now := storage.NowMS()

	existing, err := s.db.Get("claims", storage.Row{"resource_id": resourceID})
	if err != nil {
		return false, errors.Wrapf(err, "look up claim %s", resourceID)
	}

	if existing != nil {
		valid, err := s.valid(existing, now, heartbeatStaleMS)
		if err != nil {
			return false, err
		}
		if valid && asString(existing["worker_id"]) != workerID {
			return false, nil
		}
		// Expired, orphaned, or our own: replace it.
		if _, err := s.db.Delete("claims", storage.Row{"resource_id": resourceID}); err != nil {
			return false, errors.Wrapf(err, "release stale claim %s", resourceID)
		}
	}

	_, err = s.db.Insert("claims", storage.Row{
		"resource_id": resourceID,
		"worker_id":   workerID,
		"acquired_at": now,
		"lease_ms":    leaseMS,
	})
	if err != nil {
		// Lost the race to another claimer between delete and insert.
		return false, nil
	}
	return true, nil
}

// Release drops workerID's claim on resourceID. Releasing a claim you do
// not hold is a no-op.
func (s *ClaimStore) Release(resourceID, workerID string) error {
	_, err := s.db.Delete("claims", storage.Row{"resource_id": resourceID, "worker_id": workerID})
	if err != nil {
		return errors.Wrapf(err, "release claim %s", resourceID)
	}
	return nil
}

// Sweep removes every claim whose lease has expired. Returns the count
// removed.
func (s *ClaimStore) Sweep() (int64, error) {
	now := storage.NowMS()
	res, err := s.db.SQL().Exec(`DELETE FROM claims WHERE ? - acquired_at >= lease_ms`, now)
	if err != nil {
		return 0, errors.Wrap(err, "sweep expired claims")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected sweeping claims")
	}
	return n, nil
}

// Truncate removes every claim. Claims are ephemeral runtime state, so
// the supervisor wipes them at startup and shutdown.
func (s *ClaimStore) Truncate() error {
	if _, err := s.db.Delete("claims", nil); err != nil {
		return errors.Wrap(err, "truncate claims")
	}
	return nil
}

// valid reports whether a claim row is still live: lease unexpired AND the
// owning worker heartbeated recently.
func (s *ClaimStore) valid(row storage.Row, nowMS, heartbeatStaleMS int64) (bool, error) {
	acquired := asInt64(row["acquired_at"])
	lease := asInt64(row["lease_ms"])
	if nowMS-acquired >= lease {
		return false, nil
	}

	owner, err := s.health.Get(asString(row["worker_id"]))
	if err != nil {
		return false, err
	}
	if owner == nil {
		return false, nil
	}
	return nowMS-owner.LastHeartbeat < heartbeatStaleMS, nil
}
