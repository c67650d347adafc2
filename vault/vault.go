package vault

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"

	"github.com/zclaim/zclaim/db"
	"github.com/zclaim/zclaim/log"
	"github.com/zclaim/zclaim/policy"
	"github.com/zclaim/zclaim/vault/migrations"
)

// MinCollateralRatioBP is the safety threshold of posted collateral over
// backed liabilities, in basis points (1.5).
const MinCollateralRatioBP uint64 = 15_000

var (
	// ErrNotFound is returned for operations on an unregistered vault.
	ErrNotFound = errors.New("vault not found")
	// ErrAlreadyRegistered is returned when registering a known vault address.
	ErrAlreadyRegistered = errors.New("vault already registered")
	// ErrUndercollateralized is returned when an operation would push a
	// vault's collateral ratio below the safety threshold.
	ErrUndercollateralized = errors.New("operation would undercollateralize the vault")
	// ErrInsufficientCollateral is returned when withdrawing or slashing more
	// than the posted collateral.
	ErrInsufficientCollateral = errors.New("insufficient collateral")
)

// Vault is a collateralized intermediary holding shielded funds against
// outstanding protocol liabilities.
type Vault struct {
	Address     common.Address `meddler:"address,address"`
	Collateral  uint64         `meddler:"collateral"`
	Liabilities uint64         `meddler:"liabilities"`
}

// Registry tracks vault collateral balances and liabilities, enforcing the
// minimum collateral ratio on every mutation.
type Registry struct {
	logger *log.Logger

	mu sync.Mutex
	db *sql.DB
}

// NewRegistry opens (and migrates) the vault DB.
func NewRegistry(dbPath string) (*Registry, error) {
	if err := migrations.RunMigrations(dbPath); err != nil {
		return nil, err
	}
	database, err := db.NewSQLiteDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &Registry{
		logger: log.WithFields("component", "vault"),
		db:     database,
	}, nil
}

// Register adds a new vault with its initial collateral.
func (r *Registry) Register(ctx context.Context, address common.Address, collateral uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := getVault(tx, address); err == nil {
		return ErrAlreadyRegistered
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	v := &Vault{Address: address, Collateral: collateral}
	if err := meddler.Insert(tx, "vault", v); err != nil {
		return err
	}
	r.logger.Infof("registered vault %s with collateral %d", address, collateral)
	return tx.Commit()
}

// Get returns the vault registered under address.
func (r *Registry) Get(ctx context.Context, address common.Address) (*Vault, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck
	return getVault(tx, address)
}

func getVault(tx *sql.Tx, address common.Address) (*Vault, error) {
	v := &Vault{}
	err := meddler.QueryRow(tx, v, `SELECT * FROM vault WHERE address = $1;`, address.Hex())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

// DepositCollateral increases a vault's posted collateral.
func (r *Registry) DepositCollateral(ctx context.Context, address common.Address, amount uint64) error {
	return r.update(ctx, address, func(v *Vault) error {
		v.Collateral += amount
		return nil
	})
}

// WithdrawCollateral decreases a vault's posted collateral, refusing
// withdrawals that would break the minimum collateral ratio against the
// vault's outstanding liabilities.
func (r *Registry) WithdrawCollateral(ctx context.Context, address common.Address, amount uint64) error {
	return r.update(ctx, address, func(v *Vault) error {
		if amount > v.Collateral {
			return ErrInsufficientCollateral
		}
		if !ratioOK(v.Collateral-amount, v.Liabilities) {
			return ErrUndercollateralized
		}
		v.Collateral -= amount
		return nil
	})
}

// AddLiability records a new obligation against the vault, refusing it when
// the vault lacks the collateral headroom to back it.
func (r *Registry) AddLiability(ctx context.Context, address common.Address, amount uint64) error {
	return r.update(ctx, address, func(v *Vault) error {
		if !ratioOK(v.Collateral, v.Liabilities+amount) {
			return ErrUndercollateralized
		}
		v.Liabilities += amount
		return nil
	})
}

// ReleaseLiability removes a settled obligation.
func (r *Registry) ReleaseLiability(ctx context.Context, address common.Address, amount uint64) error {
	return r.update(ctx, address, func(v *Vault) error {
		if amount > v.Liabilities {
			v.Liabilities = 0
			return nil
		}
		v.Liabilities -= amount
		return nil
	})
}

// Slash seizes collateral from a vault that missed an obligation, releasing
// the corresponding liability. Returns the amount actually seized (capped at
// the posted collateral).
func (r *Registry) Slash(ctx context.Context, address common.Address, amount, liability uint64) (uint64, error) {
	seized := amount
	err := r.update(ctx, address, func(v *Vault) error {
		if seized > v.Collateral {
			seized = v.Collateral
		}
		v.Collateral -= seized
		if liability > v.Liabilities {
			v.Liabilities = 0
		} else {
			v.Liabilities -= liability
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.logger.Warnf("slashed vault %s for %d", address, seized)
	return seized, nil
}

func (r *Registry) update(ctx context.Context, address common.Address, mutate func(*Vault) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	v, err := getVault(tx, address)
	if err != nil {
		return err
	}
	if err := mutate(v); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE vault SET collateral = $1, liabilities = $2 WHERE address = $3;`,
		v.Collateral, v.Liabilities, v.Address.Hex(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ratioOK reports whether collateral/liabilities stays at or above the
// minimum collateral ratio.
func ratioOK(collateral, liabilities uint64) bool {
	if liabilities == 0 {
		return true
	}
	lhs := new(big.Int).Mul(
		new(big.Int).SetUint64(collateral),
		new(big.Int).SetUint64(policy.BasisPointsDenominator),
	)
	rhs := new(big.Int).Mul(
		new(big.Int).SetUint64(liabilities),
		new(big.Int).SetUint64(MinCollateralRatioBP),
	)
	return lhs.Cmp(rhs) >= 0
}

// Close releases the underlying DB.
func (r *Registry) Close() error {
	return r.db.Close()
}
