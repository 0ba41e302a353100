package fault

import (
	"encoding/json"
	"fmt"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"
)

// auditStore persists partition episodes under time-ordered keys so that the
// audit trail can be listed chronologically after restarts. It is not
// thread-safe; the Manager serializes access.
type auditStore struct {
	db dbm.DB
}

func newAuditStore(db dbm.DB) *auditStore {
	return &auditStore{db: db}
}

// Save writes or overwrites a partition record.
func (s *auditStore) Save(p Partition) error {
	bz, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Set(keyPartition(p), bz)
}

// List returns all persisted partition records in chronological order.
func (s *auditStore) List() ([]Partition, error) {
	start, end := keyPartitionRange()
	iter, err := s.db.Iterator(start, end)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Partition
	for ; iter.Valid(); iter.Next() {
		var p Partition
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return nil, fmt.Errorf("invalid partition record: %w", err)
		}
		out = append(out, p)
	}
	return out, iter.Error()
}

// Database key prefixes.
const (
	prefixPartition int64 = 2
)

// keyPartition generates a partition database key ordered by start time.
func keyPartition(p Partition) []byte {
	key, err := orderedcode.Append(nil, prefixPartition, p.Start.UnixNano(), p.ID)
	if err != nil {
		panic(err)
	}
	return key
}

// keyPartitionRange generates start/end keys for the entire partition key
// range.
func keyPartitionRange() ([]byte, []byte) {
	start, err := orderedcode.Append(nil, prefixPartition)
	if err != nil {
		panic(err)
	}
	end, err := orderedcode.Append(nil, prefixPartition+1)
	if err != nil {
		panic(err)
	}
	return start, end
}
