package edit

import (
	"context"
	"time"

	"github.com/photoedit/photoedit-api/internal/domain/ledger"
	"github.com/photoedit/photoedit-api/internal/pkg/eternal"
	"github.com/photoedit/photoedit-api/internal/pkg/imaging"
)

// Ledger is the part of the ledger service the edit flow drives.
type Ledger interface {
	Debit(ctx context.Context, userID string, amount int64, reason string) (*ledger.Consumption, error)
	AttachRequest(ctx context.Context, consumptionID int64, requestID string) error
	Refund(ctx context.Context, consumptionID int64, reason string) (*ledger.Consumption, error)
	RefundByRequest(ctx context.Context, requestID, reason string) (*ledger.Consumption, error)
	UnsettledDebits(ctx context.Context, from, to time.Time, afterID int64, limit int) ([]ledger.Consumption, error)
}

// Provider is the generation API.
type Provider interface {
	Submit(ctx context.Context, req eternal.SubmitRequest) (string, error)
	Poll(ctx context.Context, requestID string) (*eternal.PollResult, error)
}

// Normalizer turns a client image into a bounded JPEG.
type Normalizer interface {
	NormalizeBase64(encoded string) (*imaging.Image, error)
}

// Archiver keeps a copy of submitted source images.
type Archiver interface {
	ArchiveSource(ctx context.Context, ownerID, jobID string, jpeg []byte) (string, error)
}
