package chainstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/russross/meddler"

	"github.com/zclaim/zclaim/chainstore/migrations"
	"github.com/zclaim/zclaim/db"
	"github.com/zclaim/zclaim/header"
	"github.com/zclaim/zclaim/log"
)

var (
	// ErrNotFound is returned when querying an unknown header.
	ErrNotFound = errors.New("header not found")
	// ErrNotConfirmed is returned when querying chain state that is not yet
	// buried under enough descendants. Callers must wait.
	ErrNotConfirmed = errors.New("header not confirmed")
	// ErrUnknownParent is returned when a header does not link to any known
	// header. The tip is never changed by such headers.
	ErrUnknownParent = errors.New("previous header unknown")
	// ErrInsufficientWork is returned when a competing branch does not
	// accumulate strictly more work than the canonical one. Non-fatal.
	ErrInsufficientWork = errors.New("competing branch has insufficient cumulative work")
	// ErrKnownHeader is returned when appending a header that is already stored.
	ErrKnownHeader = errors.New("header already known")
	// ErrInvalidPoW is returned when a header hash does not meet its own target.
	ErrInvalidPoW = errors.New("header does not satisfy its proof of work target")
)

// ReorgEvent describes a tip switch to a competing branch.
type ReorgEvent struct {
	OldTip common.Hash
	NewTip common.Hash
	// FirstReorgedHeight is the first height whose canonical header was
	// invalidated (common ancestor height + 1).
	FirstReorgedHeight uint64
}

// Subscription delivers reorg events to a single consumer.
type Subscription struct {
	ReorgedBlock chan ReorgEvent
}

type entry struct {
	header         header.BlockHeader
	hash           common.Hash
	height         uint64
	cumulativeWork *big.Int
}

type headerRow struct {
	Hash           common.Hash `meddler:"hash,hash"`
	PrevHash       common.Hash `meddler:"prev_hash,hash"`
	Height         uint64      `meddler:"height"`
	CommitmentRoot common.Hash `meddler:"commitment_root,hash"`
	CumulativeWork *big.Int    `meddler:"cumulative_work,bigint"`
	Canonical      bool        `meddler:"canonical"`
	Raw            string      `meddler:"raw"`
}

// ChainStore maintains the canonical header chain of the shielded source
// chain: it applies the greatest-cumulative-work fork-choice rule, exposes
// confirmation status and serves commitment roots of confirmed headers only.
// Mutation is single-writer; reads go through the same lock for a stable view.
type ChainStore struct {
	logger        *log.Logger
	confirmations uint64
	anchorHeight  uint64

	mu        sync.RWMutex
	entries   map[common.Hash]*entry
	canonical map[uint64]common.Hash
	tip       *entry

	subsMu sync.Mutex
	subs   map[string]*Subscription

	db *sql.DB
}

// New opens (and migrates) the header DB at cfg.DBPath and loads the known
// chain back into memory, so the store survives restarts.
func New(ctx context.Context, cfg Config) (*ChainStore, error) {
	if err := migrations.RunMigrations(cfg.DBPath); err != nil {
		return nil, err
	}
	database, err := db.NewSQLiteDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	s := &ChainStore{
		logger:        log.WithFields("component", "chainstore"),
		confirmations: cfg.GetConfirmations(),
		anchorHeight:  cfg.AnchorHeight,
		entries:       make(map[common.Hash]*entry),
		canonical:     make(map[uint64]common.Hash),
		subs:          make(map[string]*Subscription),
		db:            database,
	}
	if err := s.loadFromDB(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ChainStore) loadFromDB(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var rows []*headerRow
	if err := meddler.QueryAll(tx, &rows, `SELECT * FROM header ORDER BY height ASC;`); err != nil {
		return err
	}
	for _, row := range rows {
		raw, err := hexutil.Decode(row.Raw)
		if err != nil {
			return fmt.Errorf("corrupted raw header %s: %w", row.Hash, err)
		}
		h, err := header.Decode(raw)
		if err != nil {
			return fmt.Errorf("corrupted raw header %s: %w", row.Hash, err)
		}
		e := &entry{
			header:         h,
			hash:           row.Hash,
			height:         row.Height,
			cumulativeWork: row.CumulativeWork,
		}
		s.entries[e.hash] = e
		if row.Canonical {
			s.canonical[e.height] = e.hash
			if s.tip == nil || e.height > s.tip.height {
				s.tip = e
			}
		}
	}
	if s.tip != nil {
		s.logger.Infof("loaded %d headers, tip %s at height %d", len(rows), s.tip.hash, s.tip.height)
	}
	return nil
}

// Subscribe registers a reorg-event consumer under id. Subscribing twice with
// the same id returns the same subscription.
func (s *ChainStore) Subscribe(id string) *Subscription {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if sub, ok := s.subs[id]; ok {
		return sub
	}
	sub := &Subscription{ReorgedBlock: make(chan ReorgEvent, 1)}
	s.subs[id] = sub
	return sub
}

// notifyReorg delivers the event without blocking: a subscriber that has not
// drained its previous event loses this one (the event is advisory, the
// canonical chain itself is always read from the store).
func (s *ChainStore) notifyReorg(ev ReorgEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for id, sub := range s.subs {
		select {
		case sub.ReorgedBlock <- ev:
			s.logger.Debugf("reorg event delivered to subscriber %s", id)
		default:
			s.logger.Warnf("subscriber %s is not draining reorg events, dropping one", id)
		}
	}
}

// AppendHeader ingests a new header. If it extends the current tip the chain
// grows in place. If it links elsewhere it is evaluated as a competing branch:
// the tip switches only when the branch accumulates strictly more work than
// the canonical chain, emitting a reorg event and invalidating the abandoned
// headers beyond the common ancestor. A header linking to no known header
// never changes the tip.
func (s *ChainStore) AppendHeader(ctx context.Context, h header.BlockHeader) error {
	if !h.CheckProofOfWork() {
		return ErrInvalidPoW
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hash := h.Hash()
	if _, ok := s.entries[hash]; ok {
		return ErrKnownHeader
	}

	// anchor bootstrap: the first header anchors the chain
	if s.tip == nil {
		e := &entry{header: h, hash: hash, height: s.anchorHeight, cumulativeWork: h.Work()}
		if err := s.persist(ctx, e, true, nil); err != nil {
			return err
		}
		s.entries[hash] = e
		s.canonical[e.height] = hash
		s.tip = e
		s.logger.Infof("chain anchored at %s (height %d)", hash, e.height)
		return nil
	}

	parent, ok := s.entries[h.PrevHash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParent, h.PrevHash)
	}

	e := &entry{
		header:         h,
		hash:           hash,
		height:         parent.height + 1,
		cumulativeWork: new(big.Int).Add(parent.cumulativeWork, h.Work()),
	}

	if parent.hash == s.tip.hash {
		// fast path: chain extension, work strictly increases
		if err := s.persist(ctx, e, true, nil); err != nil {
			return err
		}
		s.entries[hash] = e
		s.canonical[e.height] = hash
		s.tip = e
		return nil
	}

	// competing branch
	if e.cumulativeWork.Cmp(s.tip.cumulativeWork) <= 0 {
		// keep it around, a descendant may still out-work the canonical chain
		if err := s.persist(ctx, e, false, nil); err != nil {
			return err
		}
		s.entries[hash] = e
		return ErrInsufficientWork
	}

	return s.reorg(ctx, e)
}

// reorg switches the canonical chain to the branch ending in newTip.
// Called with the write lock held.
func (s *ChainStore) reorg(ctx context.Context, newTip *entry) error {
	// walk the new branch back to the common ancestor
	branch := []*entry{}
	cursor := newTip
	for {
		if canonHash, ok := s.canonical[cursor.height]; ok && canonHash == cursor.hash {
			break
		}
		branch = append(branch, cursor)
		parent, ok := s.entries[cursor.header.PrevHash]
		if !ok {
			return fmt.Errorf("%w: broken branch at %s", ErrUnknownParent, cursor.hash)
		}
		cursor = parent
	}
	ancestor := cursor
	firstReorged := ancestor.height + 1

	// invalidate the abandoned branch strictly beyond the ancestor
	invalidated := []common.Hash{}
	for height := firstReorged; height <= s.tip.height; height++ {
		if hash, ok := s.canonical[height]; ok {
			invalidated = append(invalidated, hash)
			delete(s.canonical, height)
		}
	}

	ev := ReorgEvent{
		OldTip:             s.tip.hash,
		NewTip:             newTip.hash,
		FirstReorgedHeight: firstReorged,
	}

	if err := s.persist(ctx, newTip, true, &reorgUpdate{
		invalidated: invalidated,
		newCanon:    branch,
		event:       &ev,
	}); err != nil {
		// restore the in-memory canonical index
		for _, hash := range invalidated {
			s.canonical[s.entries[hash].height] = hash
		}
		return err
	}

	s.entries[newTip.hash] = newTip
	for _, e := range branch {
		s.canonical[e.height] = e.hash
	}
	oldTip := s.tip
	s.tip = newTip

	s.logger.Infof(
		"reorg: tip switched from %s (height %d) to %s (height %d), first reorged height %d",
		oldTip.hash, oldTip.height, newTip.hash, newTip.height, firstReorged,
	)
	return nil
}

type reorgUpdate struct {
	invalidated []common.Hash
	newCanon    []*entry
	// event is delivered to subscribers once the switch is committed
	event *ReorgEvent
}

func (s *ChainStore) persist(ctx context.Context, e *entry, canonical bool, ru *reorgUpdate) error {
	tx, err := db.NewTx(ctx, s.db)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	row := &headerRow{
		Hash:           e.hash,
		PrevHash:       e.header.PrevHash,
		Height:         e.height,
		CommitmentRoot: e.header.CommitmentRoot,
		CumulativeWork: e.cumulativeWork,
		Canonical:      canonical,
		Raw:            hexutil.Encode(e.header.Encode()),
	}
	if err := meddler.Insert(tx, "header", row); err != nil {
		return err
	}
	if ru != nil {
		for _, hash := range ru.invalidated {
			if _, err := tx.Exec(`UPDATE header SET canonical = FALSE WHERE hash = $1;`, hash.Hex()); err != nil {
				return err
			}
		}
		for _, ce := range ru.newCanon {
			if ce.hash == e.hash {
				continue
			}
			if _, err := tx.Exec(`UPDATE header SET canonical = TRUE WHERE hash = $1;`, ce.hash.Hex()); err != nil {
				return err
			}
		}
		if ru.event != nil {
			ev := *ru.event
			tx.AddCommitCallback(func() { s.notifyReorg(ev) })
		}
	}
	return tx.Commit()
}

// Tip returns the hash and height of the greatest-work header.
func (s *ChainStore) Tip() (common.Hash, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tip == nil {
		return common.Hash{}, 0, ErrNotFound
	}
	return s.tip.hash, s.tip.height, nil
}

// Confirmed reports whether the header is canonical and buried under at least
// the configured number of descendants.
func (s *ChainStore) Confirmed(hash common.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confirmedLocked(hash)
}

func (s *ChainStore) confirmedLocked(hash common.Hash) bool {
	e, ok := s.entries[hash]
	if !ok || s.tip == nil {
		return false
	}
	if canonHash, ok := s.canonical[e.height]; !ok || canonHash != hash {
		return false
	}
	return s.tip.height-e.height >= s.confirmations
}

// GetCommitmentRoot returns the note-commitment root of a header, refusing to
// serve unconfirmed chain state so downstream protocol logic never acts on an
// unstable branch.
func (s *ChainStore) GetCommitmentRoot(hash common.Hash) (common.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[hash]
	if !ok {
		return common.Hash{}, ErrNotFound
	}
	if !s.confirmedLocked(hash) {
		return common.Hash{}, ErrNotConfirmed
	}
	return e.header.CommitmentRoot, nil
}

// HeaderByHash returns a known header and its height.
func (s *ChainStore) HeaderByHash(hash common.Hash) (header.BlockHeader, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[hash]
	if !ok {
		return header.BlockHeader{}, 0, ErrNotFound
	}
	return e.header, e.height, nil
}

// HeaderByHeight returns the canonical header at the given height.
func (s *ChainStore) HeaderByHeight(height uint64) (header.BlockHeader, common.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.canonical[height]
	if !ok {
		return header.BlockHeader{}, common.Hash{}, ErrNotFound
	}
	return s.entries[hash].header, hash, nil
}

// Close releases the underlying DB.
func (s *ChainStore) Close() error {
	return s.db.Close()
}
