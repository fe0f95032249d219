// Package model defines the persisted shapes of a run: the QueryExecution
// row, its declared destinations and their statuses.
package model

import "time"

// QueryStatus is the lifecycle status of a QueryExecution.
type QueryStatus string

const (
	StatusCreated   QueryStatus = "created"
	StatusRunning   QueryStatus = "running"
	StatusDone      QueryStatus = "done"
	StatusCancelled QueryStatus = "cancelled"
	StatusError     QueryStatus = "error"
)

// Terminal reports whether the status is one a run never leaves.
func (s QueryStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusCancelled, StatusError:
		return true
	}
	return false
}

// DestStatus is the lifecycle status of a single destination.
type DestStatus string

const (
	DestDeclared DestStatus = "declared"
	DestUploaded DestStatus = "uploaded"
	DestError    DestStatus = "error"
	DestDeleted  DestStatus = "deleted"
)

// Destination type tags with a registered materializer.
const (
	DestTypeTable = "table"
	DestTypeFile  = "file"
)

// QueryExecution is one submitted run. SourceConn holds the encrypted source
// connection string; it is never exposed through the API.
type QueryExecution struct {
	ID               int64
	GUID             string
	Query            string
	SourceConn       string
	IdentityID       string
	Status           QueryStatus
	ErrorDescription string
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Destinations []*QueryDestination
}

// QueryDestination is one declared result sink of a run.
type QueryDestination struct {
	ID               int64
	QueryID          int64
	Type             string
	Status           DestStatus
	Path             string
	AccessCreds      string // opaque JSON
	ErrorDescription string
	FinishedAt       *time.Time
}

// AccessCreds is the per-query read-only user issued by the table
// materializer, stored JSON-encoded in QueryDestination.AccessCreds.
type AccessCreds struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

// Identity is the authenticated principal attached to a request.
type Identity struct {
	ID          string
	IsSuperuser bool
}

// VisibleTo reports whether the run may be read by the given principal.
func (q *QueryExecution) VisibleTo(ident Identity) bool {
	if ident.IsSuperuser {
		return true
	}
	return q.IdentityID == ident.ID
}

// TableDestination returns the run's first destination of type "table",
// or nil if none was declared.
func (q *QueryExecution) TableDestination() *QueryDestination {
	for _, d := range q.Destinations {
		if d.Type == DestTypeTable {
			return d
		}
	}
	return nil
}
