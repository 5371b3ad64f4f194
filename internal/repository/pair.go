package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
)

// PgPairRepository handles database operations for pairing codes and couples
type PgPairRepository struct {
	db DBTX
}

// NewPairRepository creates a new pair repository
func NewPairRepository(db DBTX) *PgPairRepository {
	return &PgPairRepository{db: db}
}

const pairingCodeColumns = `id, code, issuer_id, expires_at, consumed_at, consumed_by, created_at`

// CreateCode stores a newly issued pairing code
func (r *PgPairRepository) CreateCode(ctx context.Context, code *models.PairingCode) error {
	query := `
		INSERT INTO pairing_codes (id, code, issuer_id, expires_at, consumed_at, consumed_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		code.ID, code.Code, code.IssuerID, code.ExpiresAt, code.ConsumedAt, code.ConsumedBy, code.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create pairing code: %w", err)
	}
	return nil
}

// ExpireOpenCodes ends the validity of every open code issued by issuerID
func (r *PgPairRepository) ExpireOpenCodes(ctx context.Context, issuerID string, at time.Time) error {
	query := `
		UPDATE pairing_codes SET expires_at = $2
		WHERE issuer_id = $1 AND consumed_at IS NULL AND expires_at > $2
	`
	if _, err := r.db.Exec(ctx, query, issuerID, at); err != nil {
		return fmt.Errorf("failed to expire pairing codes: %w", err)
	}
	return nil
}

// OpenCodeExists checks whether code is currently redeemable
func (r *PgPairRepository) OpenCodeExists(ctx context.Context, code string, at time.Time) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM pairing_codes WHERE code = $1 AND consumed_at IS NULL AND expires_at > $2)`
	var exists bool
	if err := r.db.QueryRow(ctx, query, code, at).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check code existence: %w", err)
	}
	return exists, nil
}

// GetCodeForUpdate locks and returns the latest row for code
func (r *PgPairRepository) GetCodeForUpdate(ctx context.Context, code string) (*models.PairingCode, error) {
	query := `
		SELECT ` + pairingCodeColumns + `
		FROM pairing_codes
		WHERE code = $1
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`
	return r.scanCode(r.db.QueryRow(ctx, query, code).Scan)
}

// GetOpenCode returns an open code issued by issuerID
func (r *PgPairRepository) GetOpenCode(ctx context.Context, issuerID, code string, at time.Time) (*models.PairingCode, error) {
	query := `
		SELECT ` + pairingCodeColumns + `
		FROM pairing_codes
		WHERE issuer_id = $1 AND code = $2 AND consumed_at IS NULL AND expires_at > $3
		LIMIT 1
	`
	return r.scanCode(r.db.QueryRow(ctx, query, issuerID, code, at).Scan)
}

func (r *PgPairRepository) scanCode(scan func(dest ...any) error) (*models.PairingCode, error) {
	var code models.PairingCode
	err := scan(&code.ID, &code.Code, &code.IssuerID, &code.ExpiresAt, &code.ConsumedAt, &code.ConsumedBy, &code.CreatedAt)
	if err != nil {
		return nil, notFound(err, "pairing code")
	}
	return &code, nil
}

// ConsumeCode marks a code as redeemed
func (r *PgPairRepository) ConsumeCode(ctx context.Context, id, consumedBy string, at time.Time) error {
	query := `UPDATE pairing_codes SET consumed_at = $2, consumed_by = $3 WHERE id = $1 AND consumed_at IS NULL`
	result, err := r.db.Exec(ctx, query, id, at, consumedBy)
	if err != nil {
		return fmt.Errorf("failed to consume pairing code: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("pairing code already consumed: %w", ErrConflict)
	}
	return nil
}

const coupleColumns = `id, member_a, member_b, status, created_at, unpaired_at`

// CreateCouple creates a new couple
func (r *PgPairRepository) CreateCouple(ctx context.Context, couple *models.Couple) error {
	query := `
		INSERT INTO couples (id, member_a, member_b, status, created_at, unpaired_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query,
		couple.ID, couple.MemberA, couple.MemberB, couple.Status, couple.CreatedAt, couple.UnpairedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("member already in an active couple: %w", ErrConflict)
		}
		return fmt.Errorf("failed to create couple: %w", err)
	}
	return nil
}

// GetCoupleByID retrieves a couple by ID
func (r *PgPairRepository) GetCoupleByID(ctx context.Context, id string) (*models.Couple, error) {
	query := `SELECT ` + coupleColumns + ` FROM couples WHERE id = $1`
	return r.scanCouple(r.db.QueryRow(ctx, query, id).Scan)
}

// GetActiveCoupleByUserID retrieves the active couple of a user
func (r *PgPairRepository) GetActiveCoupleByUserID(ctx context.Context, userID string) (*models.Couple, error) {
	query := `
		SELECT ` + coupleColumns + `
		FROM couples
		WHERE (member_a = $1 OR member_b = $1) AND status = 'ACTIVE'
		LIMIT 1
	`
	return r.scanCouple(r.db.QueryRow(ctx, query, userID).Scan)
}

func (r *PgPairRepository) scanCouple(scan func(dest ...any) error) (*models.Couple, error) {
	var couple models.Couple
	err := scan(&couple.ID, &couple.MemberA, &couple.MemberB, &couple.Status, &couple.CreatedAt, &couple.UnpairedAt)
	if err != nil {
		return nil, notFound(err, "couple")
	}
	return &couple, nil
}

// DeactivateCouple flips an active couple to INACTIVE
func (r *PgPairRepository) DeactivateCouple(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE couples SET status = 'INACTIVE', unpaired_at = $2 WHERE id = $1 AND status = 'ACTIVE'`
	result, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to deactivate couple: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("active couple not found: %w", ErrNotFound)
	}
	return nil
}
