package ledger

import (
	"strings"

	"powersave/backend/services/savings-service/internal/models"
)

// Allocation is where the money of a completed session goes. The set of
// variants is closed; Engine.Allocate switches over them.
type Allocation interface {
	allocation()
}

// WasteWallet credits the whole saving to the user's wallet.
type WasteWallet struct{}

// SolidarityFund credits the saving and immediately donates it to a fund.
type SolidarityFund struct {
	FundID string
}

// Mixed credits the saving and donates everything above WalletPercent.
type Mixed struct {
	WalletPercent int
	FundID        string
}

// GreenCoins converts the saving into points only and leaves the wallet alone.
type GreenCoins struct{}

func (WasteWallet) allocation()    {}
func (SolidarityFund) allocation() {}
func (Mixed) allocation()          {}
func (GreenCoins) allocation()     {}

// FromSpec validates a stored allocation description and returns its variant.
// An empty type means the default waste wallet.
func FromSpec(spec models.AllocationSpec) (Allocation, error) {
	switch spec.Type {
	case "", models.AllocationWasteWallet:
		return WasteWallet{}, nil
	case models.AllocationSolidarityFund:
		if strings.TrimSpace(spec.FundID) == "" {
			return nil, models.InvalidArgumentf("solidarity fund allocation requires a fund id")
		}
		return SolidarityFund{FundID: spec.FundID}, nil
	case models.AllocationMixed:
		if spec.WalletPercent < 0 || spec.WalletPercent > 100 {
			return nil, models.InvalidArgumentf("wallet percentage must be between 0 and 100, got %d", spec.WalletPercent)
		}
		if spec.WalletPercent < 100 && strings.TrimSpace(spec.FundID) == "" {
			return nil, models.InvalidArgumentf("mixed allocation below 100%% requires a fund id")
		}
		return Mixed{WalletPercent: spec.WalletPercent, FundID: spec.FundID}, nil
	case models.AllocationGreenCoins:
		return GreenCoins{}, nil
	default:
		return nil, models.InvalidArgumentf("unknown allocation type %q", spec.Type)
	}
}

// Spec returns the storable form of a.
func Spec(a Allocation) models.AllocationSpec {
	switch v := a.(type) {
	case SolidarityFund:
		return models.AllocationSpec{Type: models.AllocationSolidarityFund, FundID: v.FundID}
	case Mixed:
		return models.AllocationSpec{Type: models.AllocationMixed, FundID: v.FundID, WalletPercent: v.WalletPercent}
	case GreenCoins:
		return models.AllocationSpec{Type: models.AllocationGreenCoins}
	default:
		return models.AllocationSpec{Type: models.AllocationWasteWallet, WalletPercent: 100}
	}
}
