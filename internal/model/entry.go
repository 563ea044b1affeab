package model

// AccountStatus is the lifecycle state of an account replica.
type AccountStatus string

const (
	AccountStatusActive  AccountStatus = ""
	AccountStatusDeleted AccountStatus = "DELETED"
)

// AccountInfo is a read-only snapshot of an account's stat row.
type AccountInfo struct {
	Account         string        `json:"account"`
	CreatedAt       Timestamp     `json:"created_at"`
	PutTimestamp    Timestamp     `json:"put_timestamp"`
	DeleteTimestamp Timestamp     `json:"delete_timestamp"`
	ContainerCount  int64         `json:"container_count"`
	ObjectCount     int64         `json:"object_count"`
	BytesUsed       int64         `json:"bytes_used"`
	Hash            string        `json:"hash"`
	ID              string        `json:"id"`
	Status          AccountStatus `json:"status"`
	StatusChangedAt Timestamp     `json:"status_changed_at"`
}

// IsDeleted applies the tombstone rule: an explicit DELETED status, or a
// delete timestamp newer than the put timestamp. Containers still listed do
// not keep the account alive.
func (i AccountInfo) IsDeleted() bool {
	return i.Status == AccountStatusDeleted || i.DeleteTimestamp.After(i.PutTimestamp)
}

// ReplicationInfo is the account info plus what a replication peer needs to
// decide between a row merge and a full copy.
type ReplicationInfo struct {
	AccountInfo
	MaxRow   int64  `json:"max_row"`
	Point    int64  `json:"point"`
	Metadata string `json:"metadata"`
}

// ContainerRecord is one container row as seen by the account. RowID is only
// meaningful for rows read back from a database.
type ContainerRecord struct {
	Name            string    `json:"name"`
	PutTimestamp    Timestamp `json:"put_timestamp"`
	DeleteTimestamp Timestamp `json:"delete_timestamp"`
	ObjectCount     int64     `json:"object_count"`
	BytesUsed       int64     `json:"bytes_used"`
	Deleted         bool      `json:"deleted"`
	RowID           int64     `json:"ROWID,omitempty"`
}

// DeletedByTimestamps reports whether the container is deleted from the
// account's perspective.
func (c ContainerRecord) DeletedByTimestamps() bool {
	return c.DeleteTimestamp.After(c.PutTimestamp)
}

// ComputeDeleted sets Deleted for an incoming record from its timestamps
// alone. Counters on a deleted row stay in the row but drop out of the
// account totals.
func (c *ContainerRecord) ComputeDeleted() {
	c.Deleted = c.DeletedByTimestamps()
}

// SyncPoint records how far a remote replica has been merged.
type SyncPoint struct {
	RemoteID  string `json:"remote_id"`
	SyncPoint int64  `json:"sync_point"`
}

// ListEntry is one line of a container listing; subdirectories carry only a name.
type ListEntry struct {
	Name        string
	ObjectCount int64
	BytesUsed   int64
	IsSubdir    bool
}
