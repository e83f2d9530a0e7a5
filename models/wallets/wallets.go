// Package wallets is the store for the logical wallets users hold. A wallet
// owns no money directly; its balance is derived from the ledger.
package wallets

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gitlab.com/voltmill/lnvault/build"
	"gitlab.com/voltmill/lnvault/db"
)

var log = build.AddSubLogger("WLLT")

// Wallet is a database table
type Wallet struct {
	ID     string `db:"id"`
	UserID string `db:"user_id"`
	Name   string `db:"name"`

	// AdminKey grants pay, create and read
	AdminKey string `db:"admin_key" json:"-"`
	// InvoiceKey grants create and read only
	InvoiceKey string `db:"invoice_key" json:"-"`

	Deleted   bool      `db:"deleted"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// KeyKind says which of a wallet's two keys authenticated a request
type KeyKind int

const (
	// AdminKey holders may pay, create and read
	AdminKey KeyKind = iota
	// InvoiceKey holders may create and read only
	InvoiceKey
)

const (
	selectFromWalletsTable = `SELECT id, user_id, name, admin_key, invoice_key,
		deleted, created_at, updated_at`
	returningFromWalletsTable = `RETURNING id, user_id, name, admin_key,
		invoice_key, deleted, created_at, updated_at`
)

var (
	// ErrWalletNotFound is returned when no wallet matches the lookup
	ErrWalletNotFound = errors.New("wallet not found")
)

// New creates and persists a wallet with freshly generated keys
func New(d *db.DB, userID string, name string) (Wallet, error) {
	wallet := Wallet{
		ID:         uuid.NewString(),
		UserID:     userID,
		Name:       name,
		AdminKey:   newKey(),
		InvoiceKey: newKey(),
	}

	query := `INSERT INTO wallets (id, user_id, name, admin_key, invoice_key)
		VALUES (:id, :user_id, :name, :admin_key, :invoice_key) ` +
		returningFromWalletsTable

	rows, err := d.NamedQuery(query, wallet)
	if err != nil {
		return Wallet{}, errors.Wrap(err, "could not insert wallet")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return Wallet{}, errors.New("no rows returned when inserting wallet")
	}
	var inserted Wallet
	if err := rows.StructScan(&inserted); err != nil {
		return Wallet{}, errors.Wrap(err, "could not scan inserted wallet")
	}

	log.WithField("walletId", inserted.ID).Info("Created wallet")
	return inserted, nil
}

// GetByID selects the wallet with the given id, including soft-deleted ones
func GetByID(d db.Getter, id string) (Wallet, error) {
	query := fmt.Sprintf(`%s FROM wallets WHERE id=$1 LIMIT 1`,
		selectFromWalletsTable)

	var wallet Wallet
	if err := d.Get(&wallet, query, id); err != nil {
		return Wallet{}, errors.Wrapf(ErrWalletNotFound, "id %s: %v", id, err)
	}

	return wallet, nil
}

// GetByKey looks a live wallet up by either of its keys, reporting which
// kind of key matched
func GetByKey(d db.Getter, key string) (Wallet, KeyKind, error) {
	query := fmt.Sprintf(
		`%s FROM wallets WHERE (admin_key=$1 OR invoice_key=$1) AND NOT deleted LIMIT 1`,
		selectFromWalletsTable)

	var wallet Wallet
	if err := d.Get(&wallet, query, key); err != nil {
		return Wallet{}, 0, ErrWalletNotFound
	}

	if wallet.AdminKey == key {
		return wallet, AdminKey, nil
	}
	return wallet, InvoiceKey, nil
}

// SoftDelete flags the wallet as deleted. The ledger rows stay.
func SoftDelete(d *db.DB, id string) error {
	result, err := d.Exec(
		`UPDATE wallets SET deleted = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return errors.Wrapf(err, "could not delete wallet %s", id)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}

	log.WithField("walletId", id).Info("Soft-deleted wallet")
	return nil
}

// Balance is the spendable balance of the wallet in millisatoshis: settled
// rows plus pending debits. Pending debits count so an in-flight pay blocks
// a second overdrafting one.
func Balance(d db.Getter, walletID string) (int64, error) {
	type balanceResult struct {
		Balance int64 `db:"balance"`
	}

	var result balanceResult
	query := `SELECT COALESCE(sum(amount_msat + fee_msat), 0) AS balance FROM apipayments
		WHERE wallet_id = $1
		AND (status = 'success' OR (status = 'pending' AND amount_msat < 0))`

	if err := d.Get(&result, query, walletID); err != nil {
		return 0, errors.Wrapf(err, "could not calculate balance for %s", walletID)
	}

	return result.Balance, nil
}

func newKey() string {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic("crypto/rand is unavailable: " + err.Error())
	}
	return hex.EncodeToString(raw[:])
}
