package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlecore/ledger"
	"settlecore/models"
	"settlecore/observability/logging"
	"settlecore/status"
)

// ErrOfferExhausted rejects order creation against an offer with less
// liquidity than the requested amount.
var ErrOfferExhausted = errors.New("engine: offer has insufficient available amount")

// Protocol fee percentages by spread preference.
var spreadFees = map[string]decimal.Decimal{
	models.SpreadFastest: decimal.RequireFromString("0.01"),
	models.SpreadBest:    decimal.RequireFromString("0.005"),
	models.SpreadCheap:   decimal.RequireFromString("0.0025"),
}

// CreateParams carries everything needed to open an order against an offer.
type CreateParams struct {
	UserID             uuid.UUID
	MerchantID         uuid.UUID
	OfferID            uuid.UUID
	Side               string
	PaymentMethod      string
	CryptoAmount       decimal.Decimal
	CryptoCurrency     string
	FiatAmount         decimal.Decimal
	FiatCurrency       string
	Rate               decimal.Decimal
	SpreadPreference   string
	BuyerWalletAddress string
	PaymentDetails     string
}

func (p CreateParams) validate() error {
	if p.UserID == uuid.Nil || p.MerchantID == uuid.Nil {
		return fmt.Errorf("engine: user and merchant are required")
	}
	if p.Side != models.SideBuy && p.Side != models.SideSell {
		return fmt.Errorf("engine: unknown order side %q", p.Side)
	}
	if p.PaymentMethod != models.PaymentBank && p.PaymentMethod != models.PaymentCash {
		return fmt.Errorf("engine: unknown payment method %q", p.PaymentMethod)
	}
	if !p.CryptoAmount.IsPositive() || !p.FiatAmount.IsPositive() {
		return ledger.ErrInvalidAmount
	}
	if p.SpreadPreference != "" {
		if _, ok := spreadFees[p.SpreadPreference]; !ok {
			return fmt.Errorf("engine: unknown spread preference %q", p.SpreadPreference)
		}
	}
	return nil
}

// Create opens a pending order, reserving the requested amount from the
// originating offer's liquidity. The protocol fee is fixed at creation from
// the spread preference.
func (e *Engine) Create(ctx context.Context, params CreateParams) (*models.Order, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	feePct := spreadFees[models.SpreadBest]
	if params.SpreadPreference != "" {
		feePct = spreadFees[params.SpreadPreference]
	} else {
		params.SpreadPreference = models.SpreadBest
	}

	var order models.Order
	err := e.transact(ctx, "create", func(tx *gorm.DB) error {
		if params.OfferID != uuid.Nil {
			var offer models.MerchantOffer
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&offer, "id = ?", params.OfferID).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("engine: offer %s not found", params.OfferID)
				}
				return err
			}
			if offer.AvailableAmount.LessThan(params.CryptoAmount) {
				return ErrOfferExhausted
			}
			offer.AvailableAmount = offer.AvailableAmount.Sub(params.CryptoAmount)
			if err := tx.Save(&offer).Error; err != nil {
				return err
			}
		}

		now := e.now()
		expires := now.Add(pendingOrderTTL)
		order = models.Order{
			ID:                    uuid.New(),
			UserID:                params.UserID,
			MerchantID:            params.MerchantID,
			OfferID:               params.OfferID,
			Side:                  params.Side,
			PaymentMethod:         params.PaymentMethod,
			CryptoAmount:          params.CryptoAmount,
			CryptoCurrency:        params.CryptoCurrency,
			FiatAmount:            params.FiatAmount,
			FiatCurrency:          params.FiatCurrency,
			Rate:                  params.Rate,
			Status:                status.Pending,
			OrderVersion:          1,
			BuyerWalletAddress:    params.BuyerWalletAddress,
			PaymentDetails:        params.PaymentDetails,
			ProtocolFeePercentage: feePct,
			ProtocolFeeAmount:     params.CryptoAmount.Mul(feePct),
			SpreadPreference:      params.SpreadPreference,
			MaxExtensions:         models.DefaultMaxExtensions,
			CreatedAt:             now,
			UpdatedAt:             now,
			ExpiresAt:             &expires,
		}
		if err := tx.Create(&order).Error; err != nil {
			return err
		}
		return e.appendEvent(tx, &order, status.Pending, status.Actor{Kind: status.ActorUser, ID: params.UserID.String()}, "order_created", nil)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("order created",
		"order_id", order.ID,
		"order_number", order.OrderNumber,
		"side", order.Side,
		"amount", order.CryptoAmount,
		logging.MaskField("buyer_wallet", order.BuyerWalletAddress),
	)
	return &order, nil
}
