package mvcc

import (
	"bytes"
	"sort"

	"github.com/tinysync/statesync/kv/storage"
)

// RequirementSet maps each required key to the key-level version observed when it was required. Requiring a key
// again replaces the earlier snapshot.
//
// A RequirementSet has a single owner while a transaction is being built and is not safe for concurrent use.
type RequirementSet struct {
	versions map[string]storage.Version
}

func NewRequirementSet() *RequirementSet {
	return &RequirementSet{versions: make(map[string]storage.Version)}
}

// Add records that key must still be at version when the transaction commits.
func (rs *RequirementSet) Add(key []byte, version storage.Version) {
	rs.versions[string(key)] = version
}

// Requirements returns the requirements ordered by key.
func (rs *RequirementSet) Requirements() []storage.Requirement {
	reqs := make([]storage.Requirement, 0, len(rs.versions))
	for key, version := range rs.versions {
		reqs = append(reqs, storage.Requirement{Key: []byte(key), Version: version})
	}
	sort.Slice(reqs, func(i, j int) bool {
		return bytes.Compare(reqs[i].Key, reqs[j].Key) < 0
	})
	return reqs
}

func (rs *RequirementSet) Len() int {
	return len(rs.versions)
}
