package models

import "time"

// User represents an anonymous account on a device
type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	Token        string    `json:"token,omitempty"`
	PushToken    *string   `json:"push_token,omitempty"`
	PushPlatform *string   `json:"push_platform,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

const (
	PushPlatformIOS     = "ios"
	PushPlatformAndroid = "android"
)

// CoupleStatus is the lifecycle state of a couple
type CoupleStatus string

const (
	CoupleActive   CoupleStatus = "ACTIVE"
	CoupleInactive CoupleStatus = "INACTIVE"
)

// Couple is the 1:1 relationship between two users
type Couple struct {
	ID         string       `json:"id"`
	MemberA    string       `json:"member_a"`
	MemberB    string       `json:"member_b"`
	Status     CoupleStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	UnpairedAt *time.Time   `json:"unpaired_at,omitempty"`
}

// HasMember reports whether userID belongs to the couple
func (c *Couple) HasMember(userID string) bool {
	return c.MemberA == userID || c.MemberB == userID
}

// PartnerOf returns the other member, or "" if userID is not a member
func (c *Couple) PartnerOf(userID string) string {
	switch userID {
	case c.MemberA:
		return c.MemberB
	case c.MemberB:
		return c.MemberA
	}
	return ""
}

// PairingCode is a single-use invitation that creates a couple when redeemed
type PairingCode struct {
	ID         string     `json:"id"`
	Code       string     `json:"code"`
	IssuerID   string     `json:"issuer_id"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	ConsumedBy *string    `json:"consumed_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Partner is the profile of the other member of a couple
type Partner struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// PairingStatus describes the couple context of a user
type PairingStatus struct {
	IsPaired bool       `json:"is_paired"`
	CoupleID string     `json:"couple_id,omitempty"`
	Partner  *Partner   `json:"partner,omitempty"`
	PairedAt *time.Time `json:"paired_at,omitempty"`
}

// CoupleContext identifies the caller and their couple for every core operation.
// CoupleID and PartnerID are empty when the user is not paired.
type CoupleContext struct {
	UserID    string `json:"user_id"`
	CoupleID  string `json:"couple_id,omitempty"`
	PartnerID string `json:"partner_id,omitempty"`
}

// IsPaired reports whether the context carries a couple
func (c CoupleContext) IsPaired() bool {
	return c.CoupleID != ""
}

// ContextFromStatus builds a CoupleContext for userID
func ContextFromStatus(userID string, status *PairingStatus) CoupleContext {
	cc := CoupleContext{UserID: userID}
	if status != nil && status.IsPaired {
		cc.CoupleID = status.CoupleID
		if status.Partner != nil {
			cc.PartnerID = status.Partner.ID
		}
	}
	return cc
}
