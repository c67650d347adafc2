package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zclaim/zclaim/chainstore"
	"github.com/zclaim/zclaim/header"
	"github.com/zclaim/zclaim/log"
)

// SourceClient is the RPC surface of the shielded source-chain node.
type SourceClient interface {
	BlockHeight(ctx context.Context) (uint64, error)
	RawHeaderByHeight(ctx context.Context, height uint64) ([]byte, error)
}

// DestinationLedger is the destination-side surface the relay submits to.
type DestinationLedger interface {
	SubmitBlockHeader(ctx context.Context, encoded []byte, height uint64) (common.Hash, error)
	GetChainTip(ctx context.Context) (common.Hash, uint64, error)
}

// Driver is the single polling worker relaying confirmed source-chain headers
// to the destination ledger, strictly sequentially and idempotently. Heights
// are never relayed concurrently or out of order: any submission failure
// aborts the batch so the same range is retried on the next tick.
type Driver struct {
	logger *log.Logger
	source SourceClient
	dest   DestinationLedger
	rh     *RetryHandler

	pollInterval  time.Duration
	batchSize     uint64
	confirmations uint64
	startHeight   uint64

	// owned by the polling goroutine after Start
	lastRelayedHeight uint64
	anchored          bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewDriver wires the relay worker. Nothing runs until Start.
func NewDriver(cfg Config, source SourceClient, dest DestinationLedger) *Driver {
	return &Driver{
		logger: log.WithFields("component", "relay"),
		source: source,
		dest:   dest,
		rh: &RetryHandler{
			RetryAfterErrorPeriod:      cfg.RetryAfterErrorPeriod,
			MaxRetryAttemptsAfterError: cfg.MaxRetryAttemptsAfterError,
		},
		pollInterval:  cfg.GetPollInterval(),
		batchSize:     cfg.GetBatchSize(),
		confirmations: cfg.Confirmations,
		startHeight:   cfg.StartHeight,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start recovers the relayed height from the destination ledger and runs the
// polling loop until the context is done or Stop is called. The stop flag is
// observed at the loop boundary, so an in-flight batch completes before exit.
func (d *Driver) Start(ctx context.Context) {
	defer close(d.doneCh)

	attempts := 0
	for {
		if err := d.recoverLastRelayedHeight(ctx); err != nil {
			attempts++
			d.logger.Errorf("error recovering last relayed height: %v", err)
			d.rh.Handle("recoverLastRelayedHeight", attempts)
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			default:
			}
			continue
		}
		break
	}
	d.logger.Infof("starting relay, last relayed height %d (anchored: %t)", d.lastRelayedHeight, d.anchored)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		d.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Stop signals the polling loop to exit and waits for it. Safe to call more
// than once.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.doneCh
}

// recoverLastRelayedHeight reads the authoritative chain tip of the
// destination ledger rather than trusting any local state, so restarts never
// re-submit already-accepted headers.
func (d *Driver) recoverLastRelayedHeight(ctx context.Context) error {
	_, tipHeight, err := d.dest.GetChainTip(ctx)
	if err != nil {
		if errors.Is(err, chainstore.ErrNotFound) {
			// nothing relayed yet
			d.anchored = false
			return nil
		}
		return err
	}
	d.anchored = true
	d.lastRelayedHeight = tipHeight
	return nil
}

// tick relays at most one batch of confirmed headers. Transient failures
// abort the batch immediately; the same range is retried on the next tick to
// preserve height-contiguity.
func (d *Driver) tick(ctx context.Context) {
	srcHeight, err := d.source.BlockHeight(ctx)
	if err != nil {
		d.logger.Errorf("error querying source chain height: %v", err)
		return
	}
	if srcHeight < d.confirmations {
		return
	}
	targetHeight := srcHeight - d.confirmations

	next := d.startHeight
	if d.anchored {
		next = d.lastRelayedHeight + 1
	}
	if targetHeight < next {
		return
	}

	upper := next + d.batchSize - 1
	if upper > targetHeight {
		upper = targetHeight
	}
	d.logger.Debugf("relaying headers %d..%d (source height %d)", next, upper, srcHeight)

	for height := next; height <= upper; height++ {
		raw, err := d.source.RawHeaderByHeight(ctx, height)
		if err != nil {
			d.logger.Errorf("error fetching header %d, aborting batch: %v", height, err)
			return
		}
		// validate before submission so a corrupt header never reaches the ledger
		if _, err := header.Decode(raw); err != nil {
			d.logger.Errorf("source returned malformed header at %d, aborting batch: %v", height, err)
			return
		}
		hash, err := d.dest.SubmitBlockHeader(ctx, raw, height)
		if err != nil {
			d.logger.Errorf("error submitting header %d, aborting batch: %v", height, err)
			return
		}
		d.lastRelayedHeight = height
		d.anchored = true
		d.logger.Debugf("relayed header %d (%s)", height, hash)
	}
}
