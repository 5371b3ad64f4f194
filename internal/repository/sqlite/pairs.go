package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/repository"
)

type userRepository struct {
	db dbtx
}

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO users (id, display_name, push_token, push_platform, created_at)
VALUES (?, ?, ?, ?, ?)
`, user.ID, user.DisplayName, toNullString(user.PushToken), toNullString(user.PushPlatform), toMillis(user.CreatedAt))
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	var (
		user               models.User
		pushToken, platform sql.NullString
		createdAt          int64
	)
	err := r.db.QueryRowContext(ctx, `
SELECT id, display_name, push_token, push_platform, created_at FROM users WHERE id = ?
`, id).Scan(&user.ID, &user.DisplayName, &pushToken, &platform, &createdAt)
	if err != nil {
		return nil, notFound(err, "user")
	}
	user.PushToken = fromNullString(pushToken)
	user.PushPlatform = fromNullString(platform)
	user.CreatedAt = fromMillis(createdAt)
	return &user, nil
}

func (r *userRepository) UpdatePushToken(ctx context.Context, userID string, pushToken, platform *string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE users SET push_token = ?, push_platform = ? WHERE id = ?`,
		toNullString(pushToken), toNullString(platform), userID)
	if err != nil {
		return fmt.Errorf("update push token: %w", err)
	}
	return rowsAffected(result, "user")
}

// LockUsers is a no-op: the single connection already serializes writers.
func (r *userRepository) LockUsers(context.Context, ...string) error {
	return nil
}

type pairRepository struct {
	db dbtx
}

const pairingCodeColumns = `id, code, issuer_id, expires_at, consumed_at, consumed_by, created_at`

func (r *pairRepository) CreateCode(ctx context.Context, code *models.PairingCode) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO pairing_codes (`+pairingCodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
`, code.ID, code.Code, code.IssuerID, toMillis(code.ExpiresAt), toNullMillis(code.ConsumedAt),
		toNullString(code.ConsumedBy), toMillis(code.CreatedAt))
	if err != nil {
		return fmt.Errorf("create pairing code: %w", err)
	}
	return nil
}

func (r *pairRepository) ExpireOpenCodes(ctx context.Context, issuerID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE pairing_codes SET expires_at = ?
WHERE issuer_id = ? AND consumed_at IS NULL AND expires_at > ?
`, toMillis(at), issuerID, toMillis(at))
	if err != nil {
		return fmt.Errorf("expire pairing codes: %w", err)
	}
	return nil
}

func (r *pairRepository) OpenCodeExists(ctx context.Context, code string, at time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
SELECT EXISTS(SELECT 1 FROM pairing_codes WHERE code = ? AND consumed_at IS NULL AND expires_at > ?)
`, code, toMillis(at)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check code existence: %w", err)
	}
	return exists, nil
}

func (r *pairRepository) GetCodeForUpdate(ctx context.Context, code string) (*models.PairingCode, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+pairingCodeColumns+` FROM pairing_codes WHERE code = ? ORDER BY created_at DESC LIMIT 1
`, code)
	return scanPairingCode(row.Scan)
}

func (r *pairRepository) GetOpenCode(ctx context.Context, issuerID, code string, at time.Time) (*models.PairingCode, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+pairingCodeColumns+` FROM pairing_codes
WHERE issuer_id = ? AND code = ? AND consumed_at IS NULL AND expires_at > ?
LIMIT 1
`, issuerID, code, toMillis(at))
	return scanPairingCode(row.Scan)
}

func scanPairingCode(scan func(dest ...any) error) (*models.PairingCode, error) {
	var (
		code                 models.PairingCode
		expiresAt, createdAt int64
		consumedAt           sql.NullInt64
		consumedBy           sql.NullString
	)
	if err := scan(&code.ID, &code.Code, &code.IssuerID, &expiresAt, &consumedAt, &consumedBy, &createdAt); err != nil {
		return nil, notFound(err, "pairing code")
	}
	code.ExpiresAt = fromMillis(expiresAt)
	code.ConsumedAt = fromNullMillis(consumedAt)
	code.ConsumedBy = fromNullString(consumedBy)
	code.CreatedAt = fromMillis(createdAt)
	return &code, nil
}

func (r *pairRepository) ConsumeCode(ctx context.Context, id, consumedBy string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE pairing_codes SET consumed_at = ?, consumed_by = ? WHERE id = ? AND consumed_at IS NULL
`, toMillis(at), consumedBy, id)
	if err != nil {
		return fmt.Errorf("consume pairing code: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume pairing code: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("pairing code already consumed: %w", repository.ErrConflict)
	}
	return nil
}

const coupleColumns = `id, member_a, member_b, status, created_at, unpaired_at`

func (r *pairRepository) CreateCouple(ctx context.Context, couple *models.Couple) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO couples (`+coupleColumns+`) VALUES (?, ?, ?, ?, ?, ?)
`, couple.ID, couple.MemberA, couple.MemberB, string(couple.Status), toMillis(couple.CreatedAt),
		toNullMillis(couple.UnpairedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("member already in an active couple: %w", repository.ErrConflict)
		}
		return fmt.Errorf("create couple: %w", err)
	}
	return nil
}

func (r *pairRepository) GetCoupleByID(ctx context.Context, id string) (*models.Couple, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+coupleColumns+` FROM couples WHERE id = ?`, id)
	return scanCouple(row.Scan)
}

func (r *pairRepository) GetActiveCoupleByUserID(ctx context.Context, userID string) (*models.Couple, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+coupleColumns+` FROM couples
WHERE (member_a = ? OR member_b = ?) AND status = 'ACTIVE'
LIMIT 1
`, userID, userID)
	return scanCouple(row.Scan)
}

func scanCouple(scan func(dest ...any) error) (*models.Couple, error) {
	var (
		couple     models.Couple
		status     string
		createdAt  int64
		unpairedAt sql.NullInt64
	)
	if err := scan(&couple.ID, &couple.MemberA, &couple.MemberB, &status, &createdAt, &unpairedAt); err != nil {
		return nil, notFound(err, "couple")
	}
	couple.Status = models.CoupleStatus(status)
	couple.CreatedAt = fromMillis(createdAt)
	couple.UnpairedAt = fromNullMillis(unpairedAt)
	return &couple, nil
}

func (r *pairRepository) DeactivateCouple(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE couples SET status = 'INACTIVE', unpaired_at = ? WHERE id = ? AND status = 'ACTIVE'
`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("deactivate couple: %w", err)
	}
	return rowsAffected(result, "active couple")
}
