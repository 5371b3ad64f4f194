package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/realtime"
	"github.com/wesalappx/wesal-app-sub001/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
)

const (
	codeLength         = 6
	codeSpace          = 1_000_000
	maxCodeAttempts    = 10
	defaultCodeTTL     = 24 * time.Hour
	pairingLinkPattern = "wesal://pair?code=%s"
)

// PairingService maintains couples and the codes that create them
type PairingService struct {
	store   repository.Store
	bus     EventBus
	codeTTL time.Duration
	now     func() time.Time
	newCode func() (string, error)
}

// NewPairingService creates a new pairing service
func NewPairingService(store repository.Store, bus EventBus, codeTTL time.Duration, opts ...Option) *PairingService {
	o := buildOptions(opts)
	if codeTTL <= 0 {
		codeTTL = defaultCodeTTL
	}
	return &PairingService{
		store:   store,
		bus:     bus,
		codeTTL: codeTTL,
		now:     o.now,
		newCode: generateCode,
	}
}

// AcceptResult is returned when a code is redeemed
type AcceptResult struct {
	CoupleID string          `json:"couple_id"`
	Partner  *models.Partner `json:"partner"`
}

// GenerateCode issues a new pairing code for a user without a couple
func (s *PairingService) GenerateCode(ctx context.Context, userID string) (*models.PairingCode, error) {
	now := s.now()
	var code *models.PairingCode

	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		if _, err := tx.Users().GetByID(ctx, userID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return models.ErrUserNotFound
			}
			return err
		}

		paired, err := hasActiveCouple(ctx, tx, userID)
		if err != nil {
			return err
		}
		if paired {
			return models.ErrAlreadyPaired
		}

		value, err := s.uniqueCode(ctx, tx, now)
		if err != nil {
			return err
		}

		// Only the newest code of an issuer stays redeemable.
		if err := tx.Pairs().ExpireOpenCodes(ctx, userID, now); err != nil {
			return err
		}

		code = &models.PairingCode{
			ID:        uuid.New().String(),
			Code:      value,
			IssuerID:  userID,
			ExpiresAt: now.Add(s.codeTTL),
			CreatedAt: now,
		}
		return tx.Pairs().CreateCode(ctx, code)
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("user_id", userID).Time("expires_at", code.ExpiresAt).Msg("Pairing code issued")
	return code, nil
}

func (s *PairingService) uniqueCode(ctx context.Context, tx repository.Store, now time.Time) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := s.newCode()
		if err != nil {
			return "", err
		}
		exists, err := tx.Pairs().OpenCodeExists(ctx, code, now)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to generate unique code after %d attempts", maxCodeAttempts)
}

// generateCode generates a random 6-digit numeric code
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpace))
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeLength, n.Int64()), nil
}

func validCodeFormat(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// AcceptCode redeems a code and creates the couple in a single transaction
func (s *PairingService) AcceptCode(ctx context.Context, userID, code string) (*AcceptResult, error) {
	if !validCodeFormat(code) {
		return nil, models.ErrInvalidCode
	}

	now := s.now()
	var (
		couple  *models.Couple
		partner *models.User
	)

	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		pc, err := tx.Pairs().GetCodeForUpdate(ctx, code)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return models.ErrInvalidCode
			}
			return err
		}
		if pc.ConsumedAt != nil {
			return models.ErrAlreadyConsumed
		}
		if !now.Before(pc.ExpiresAt) {
			return models.ErrExpiredCode
		}
		if pc.IssuerID == userID {
			return models.ErrSelfPairing
		}

		if err := tx.Users().LockUsers(ctx, pc.IssuerID, userID); err != nil {
			return err
		}
		for _, member := range []string{userID, pc.IssuerID} {
			paired, err := hasActiveCouple(ctx, tx, member)
			if err != nil {
				return err
			}
			if paired {
				return models.ErrAlreadyPaired
			}
		}

		if err := tx.Pairs().ConsumeCode(ctx, pc.ID, userID, now); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return models.ErrAlreadyConsumed
			}
			return err
		}
		if err := tx.Pairs().ExpireOpenCodes(ctx, userID, now); err != nil {
			return err
		}

		memberA, memberB := pc.IssuerID, userID
		if memberA > memberB {
			memberA, memberB = memberB, memberA
		}
		couple = &models.Couple{
			ID:        uuid.New().String(),
			MemberA:   memberA,
			MemberB:   memberB,
			Status:    models.CoupleActive,
			CreatedAt: now,
		}
		if err := tx.Pairs().CreateCouple(ctx, couple); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return models.ErrAlreadyPaired
			}
			return err
		}

		partner, err = tx.Users().GetByID(ctx, pc.IssuerID)
		return err
	})
	if err != nil {
		return nil, err
	}

	emit(s.bus, realtime.CoupleTopic(couple.ID), "couples", realtime.ChangeInsert, coupleColumns(couple), couple)

	log.Info().
		Str("couple_id", couple.ID).
		Str("user_id", userID).
		Str("partner_id", partner.ID).
		Msg("Couple created")

	return &AcceptResult{
		CoupleID: couple.ID,
		Partner:  &models.Partner{ID: partner.ID, DisplayName: partner.DisplayName},
	}, nil
}

// GetStatus returns the couple context of a user
func (s *PairingService) GetStatus(ctx context.Context, userID string) (*models.PairingStatus, error) {
	couple, err := s.store.Pairs().GetActiveCoupleByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &models.PairingStatus{IsPaired: false}, nil
		}
		return nil, err
	}

	partnerID := couple.PartnerOf(userID)
	partner, err := s.store.Users().GetByID(ctx, partnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get partner: %w", err)
	}

	pairedAt := couple.CreatedAt
	return &models.PairingStatus{
		IsPaired: true,
		CoupleID: couple.ID,
		Partner:  &models.Partner{ID: partner.ID, DisplayName: partner.DisplayName},
		PairedAt: &pairedAt,
	}, nil
}

// CoupleContext resolves the explicit couple context passed to other services
func (s *PairingService) CoupleContext(ctx context.Context, userID string) (models.CoupleContext, error) {
	status, err := s.GetStatus(ctx, userID)
	if err != nil {
		return models.CoupleContext{}, err
	}
	return models.ContextFromStatus(userID, status), nil
}

// Unpair deactivates a couple. Sessions of the couple are left in place
// and reject further writes.
func (s *PairingService) Unpair(ctx context.Context, coupleID, requesterID string) error {
	now := s.now()
	var couple *models.Couple

	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		var err error
		couple, err = tx.Pairs().GetCoupleByID(ctx, coupleID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return models.ErrCoupleNotFound
			}
			return err
		}
		if !couple.HasMember(requesterID) {
			return models.ErrNotMember
		}
		if couple.Status != models.CoupleActive {
			return models.ErrNotPaired
		}
		if err := tx.Pairs().DeactivateCouple(ctx, coupleID, now); err != nil {
			return err
		}
		couple.Status = models.CoupleInactive
		couple.UnpairedAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	emit(s.bus, realtime.CoupleTopic(couple.ID), "couples", realtime.ChangeUpdate, coupleColumns(couple), couple)

	log.Info().Str("couple_id", coupleID).Str("user_id", requesterID).Msg("Couple unpaired")
	return nil
}

// CodeQR renders an open code owned by userID as a PNG QR code
func (s *PairingService) CodeQR(ctx context.Context, userID, code string, size int) ([]byte, error) {
	if !validCodeFormat(code) {
		return nil, models.ErrInvalidCode
	}
	if _, err := s.store.Pairs().GetOpenCode(ctx, userID, code, s.now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, models.ErrInvalidCode
		}
		return nil, err
	}
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(fmt.Sprintf(pairingLinkPattern, code), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to render qr code: %w", err)
	}
	return png, nil
}

func hasActiveCouple(ctx context.Context, tx repository.Store, userID string) (bool, error) {
	_, err := tx.Pairs().GetActiveCoupleByUserID(ctx, userID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check if user has couple: %w", err)
}

func coupleColumns(c *models.Couple) map[string]string {
	return map[string]string{
		"id":       c.ID,
		"member_a": c.MemberA,
		"member_b": c.MemberB,
		"status":   string(c.Status),
	}
}
