package syncer

import (
	"context"
	"fmt"

	"github.com/atticlabs/attic/pkg/common"
	"github.com/atticlabs/attic/pkg/normalize"
)

// Record is one raw provider record tagged with its kind.
type Record struct {
	Kind common.Kind
	Raw  normalize.RawRecord
}

// Batch is one increment of provider records. NextWatermark is opaque to
// the coordinator: it is persisted verbatim after the batch commits and
// handed back on the next fetch.
type Batch struct {
	Records       []Record
	NextWatermark string
	HasMore       bool
}

// Connector is a provider adapter. FetchBatch returns the records after
// the given watermark; an empty watermark means "from the beginning".
// Implementations must tolerate being re-asked for the same watermark:
// the coordinator re-fetches from the last committed one after a failure.
type Connector interface {
	Provider() string
	Account() string
	FetchBatch(ctx context.Context, watermark string) (*Batch, error)
}

// ConnectorError classifies a fetch failure. Transient failures (rate
// limits, timeouts) are retried; permanent ones fail the sync run.
type ConnectorError struct {
	Provider  string
	Transient bool
	Err       error
}

func (e *ConnectorError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s connector failure (%s): %v", kind, e.Provider, e.Err)
}

func (e *ConnectorError) Unwrap() error {
	return e.Err
}
