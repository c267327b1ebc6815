package storage

import (
	"fmt"
	"strings"
	"time"
)

// GatewayNagad is the gateway code for Nagad provider rows and ledger rows.
const GatewayNagad = "nagad"

// ProviderConfig is one payment provider's merchant credential row.
// Key material is stored as the provider portal hands it out: base64 DER,
// PEM armor optional.
type ProviderConfig struct {
	ID         string    `json:"id" bson:"_id"`
	Gateway    string    `json:"gateway" bson:"gateway"`
	MerchantID string    `json:"merchant_id" bson:"merchant_id"`
	PublicKey  string    `json:"public_key" bson:"public_key"`
	PrivateKey string    `json:"private_key" bson:"private_key"`
	Sandbox    bool      `json:"sandbox" bson:"sandbox"`
	Active     bool      `json:"active" bson:"active"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" bson:"updated_at"`
}

// validateAndPrepareProvider normalizes and checks a provider row before any
// backend persists it.
func validateAndPrepareProvider(p *ProviderConfig, now time.Time) error {
	p.Gateway = strings.ToLower(strings.TrimSpace(p.Gateway))
	p.MerchantID = strings.TrimSpace(p.MerchantID)

	if p.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	if p.Gateway == "" {
		return fmt.Errorf("provider gateway is required")
	}
	if p.MerchantID == "" {
		return fmt.Errorf("provider merchant id is required")
	}

	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return nil
}
