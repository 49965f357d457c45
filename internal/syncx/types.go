// Package syncx defines the wire envelope and shared domain types of
// the commit-log sync protocol: operations, commits, change rows, and
// the combined push+pull request/response pair exchanged on /sync.
package syncx

import (
	"encoding/json"
	"time"

	"github.com/rowmark/rowmark/internal/scope"
)

// DefaultPartition is the partition used when a request names none.
const DefaultPartition = "default"

// Op is a row mutation kind.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Push commit statuses.
type PushStatus string

const (
	PushApplied  PushStatus = "applied"
	PushCached   PushStatus = "cached"
	PushRejected PushStatus = "rejected"
)

// Per-operation result statuses.
type OpStatus string

const (
	OpApplied  OpStatus = "applied"
	OpConflict OpStatus = "conflict"
	OpError    OpStatus = "error"
)

// Subscription statuses.
type SubStatus string

const (
	SubActive  SubStatus = "active"
	SubRevoked SubStatus = "revoked"
)

// Structured per-op error codes.
const (
	CodeUnauthorizedScope  = "UNAUTHORIZED_SCOPE"
	CodeRowMissing         = "ROW_MISSING"
	CodeNotNullConstraint  = "NOT_NULL_CONSTRAINT"
	CodeVersionConflict    = "VERSION_CONFLICT"
	CodeInternal           = "INTERNAL"
	CodeUnknownTable       = "UNKNOWN_TABLE"
	CodeInvalidOperation   = "INVALID_OPERATION"
	CodePayloadMissing     = "PAYLOAD_MISSING"
)

// Operation is one row mutation inside a push request.
type Operation struct {
	Table       string         `json:"table"`
	RowID       string         `json:"row_id"`
	Op          Op             `json:"op"`
	Payload     map[string]any `json:"payload,omitempty"`
	BaseVersion *int64         `json:"base_version,omitempty"`
}

// PushRequest is the push half of the combined envelope.
type PushRequest struct {
	ClientCommitID string      `json:"clientCommitId"`
	SchemaVersion  int         `json:"schemaVersion,omitempty"`
	Operations     []Operation `json:"operations"`
}

// OpResult is the closed per-operation result variant: applied,
// conflict (carrying the authoritative server row), or error.
type OpResult struct {
	OpIndex int      `json:"opIndex"`
	Status  OpStatus `json:"status"`

	// conflict
	ServerVersion *int64         `json:"server_version,omitempty"`
	ServerRow     map[string]any `json:"server_row,omitempty"`
	Message       string         `json:"message,omitempty"`

	// error
	Code      string `json:"code,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`
}

// Applied returns an applied result for opIndex.
func Applied(opIndex int) OpResult {
	return OpResult{OpIndex: opIndex, Status: OpApplied}
}

// Conflict returns an optimistic-concurrency conflict result.
func Conflict(opIndex int, serverVersion int64, serverRow map[string]any, msg string) OpResult {
	return OpResult{
		OpIndex:       opIndex,
		Status:        OpConflict,
		ServerVersion: &serverVersion,
		ServerRow:     serverRow,
		Message:       msg,
	}
}

// OpErrorResult returns a structured per-op error result.
func OpErrorResult(opIndex int, code string, retriable bool, msg string) OpResult {
	return OpResult{
		OpIndex:   opIndex,
		Status:    OpError,
		Code:      code,
		Retriable: retriable,
		Message:   msg,
	}
}

// PushResponse reports the fate of a pushed commit.
type PushResponse struct {
	OK        bool       `json:"ok"`
	Status    PushStatus `json:"status"`
	CommitSeq int64      `json:"commitSeq,omitempty"`
	Results   []OpResult `json:"results,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Change is one row-level side effect of a commit. ChangeID and
// CommitSeq are zero on changes emitted by handlers; the commit log
// assigns both at append time.
type Change struct {
	ChangeID   int64          `json:"changeId,omitempty"`
	CommitSeq  int64          `json:"commitSeq,omitempty"`
	Table      string         `json:"table"`
	RowID      string         `json:"rowId"`
	Op         Op             `json:"op"`
	Row        map[string]any `json:"row,omitempty"`
	RowVersion *int64         `json:"rowVersion,omitempty"`
	Scopes     scope.Map      `json:"scopes,omitempty"`
}

// Commit is a pulled commit with its scope-filtered changes.
type Commit struct {
	CommitSeq int64    `json:"commitSeq"`
	CreatedAt string   `json:"createdAt"`
	ActorID   string   `json:"actorId"`
	Changes   []Change `json:"changes"`
}

// BootstrapState resumes a paginated bootstrap on the next pull. The
// whole structure is opaque to clients.
type BootstrapState struct {
	AsOfCommitSeq int64    `json:"asOfCommitSeq"`
	Tables        []string `json:"tables"`
	TableIndex    int      `json:"tableIndex"`
	RowCursor     string   `json:"rowCursor,omitempty"`
}

// SubscriptionRequest is one subscription in a pull request. Cursor -1
// (or any cursor beyond the partition head) requests a bootstrap.
type SubscriptionRequest struct {
	ID             string          `json:"id"`
	Table          string          `json:"table"`
	Scopes         scope.Map       `json:"scopes"`
	Params         map[string]any  `json:"params,omitempty"`
	Cursor         int64           `json:"cursor"`
	BootstrapState *BootstrapState `json:"bootstrapState,omitempty"`
}

// PullRequest is the pull half of the combined envelope.
type PullRequest struct {
	LimitCommits      int                   `json:"limitCommits,omitempty"`
	LimitSnapshotRows int                   `json:"limitSnapshotRows,omitempty"`
	MaxSnapshotPages  int                   `json:"maxSnapshotPages,omitempty"`
	DedupeRows        bool                  `json:"dedupeRows,omitempty"`
	Subscriptions     []SubscriptionRequest `json:"subscriptions"`
}

// ChunkRef points a client at a stored snapshot chunk.
type ChunkRef struct {
	ID          string `json:"id"`
	SHA256      string `json:"sha256"`
	ByteLength  int    `json:"byteLength"`
	Encoding    string `json:"encoding"`
	Compression string `json:"compression"`
}

// SnapshotPage is one bootstrap page for one table. Rows are inlined
// only when the chunk store is bypassed; normally Chunks carries the
// references to fetch.
type SnapshotPage struct {
	Table       string           `json:"table"`
	IsFirstPage bool             `json:"isFirstPage"`
	IsLastPage  bool             `json:"isLastPage"`
	Rows        []map[string]any `json:"rows,omitempty"`
	Chunks      []ChunkRef       `json:"chunks,omitempty"`
}

// SubscriptionResponse is one subscription's slice of a pull response.
type SubscriptionResponse struct {
	ID             string          `json:"id"`
	Status         SubStatus       `json:"status"`
	Scopes         scope.Map       `json:"scopes"`
	Bootstrap      bool            `json:"bootstrap"`
	BootstrapState *BootstrapState `json:"bootstrapState"`
	NextCursor     int64           `json:"nextCursor"`
	Commits        []Commit        `json:"commits"`
	Snapshots      []SnapshotPage  `json:"snapshots,omitempty"`
}

// PullResponse mirrors PullRequest.
type PullResponse struct {
	OK            bool                   `json:"ok"`
	Subscriptions []SubscriptionResponse `json:"subscriptions"`
	Error         string                 `json:"error,omitempty"`
}

// SyncRequest is the combined envelope posted to /sync.
type SyncRequest struct {
	ClientID  string       `json:"clientId"`
	Partition string       `json:"partition,omitempty"`
	Push      *PushRequest `json:"push,omitempty"`
	Pull      *PullRequest `json:"pull,omitempty"`
}

// PartitionOrDefault returns the request partition, defaulting to
// "default".
func (r *SyncRequest) PartitionOrDefault() string {
	if r.Partition == "" {
		return DefaultPartition
	}
	return r.Partition
}

// SyncResponse mirrors SyncRequest.
type SyncResponse struct {
	Push *PushResponse `json:"push,omitempty"`
	Pull *PullResponse `json:"pull,omitempty"`
}

// MarshalResult serializes a push response for the idempotency cache.
func MarshalResult(resp *PushResponse) json.RawMessage {
	b, err := json.Marshal(resp)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// RFC3339Ms formats a time as ISO-8601 UTC with millisecond precision.
func RFC3339Ms(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ClampInt clamps v into [min, max], substituting def when v is not a
// usable positive number. Invalid numeric inputs in the JSON layer
// (fractions, NaN, negatives) decode to zero or negative ints and fall
// back to the default here.
func ClampInt(v, def, min, max int) int {
	if v <= 0 {
		v = def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
