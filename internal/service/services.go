package service

import (
	"fmt"
	"log/slog"

	"github.com/jmylchreest/chatgate/internal/config"
	"github.com/jmylchreest/chatgate/internal/crypto"
	"github.com/jmylchreest/chatgate/internal/pricing"
	"github.com/jmylchreest/chatgate/internal/repository"
)

// Services holds all service instances.
type Services struct {
	Gateway      *GatewayService
	Payment      *PaymentService
	ProviderKeys *ProviderKeyService
	Tiers        *TierResolver
	Billing      config.BillingConfig
}

// NewServices creates all service instances. The catalog is loaded once by
// the caller and shared read-only.
func NewServices(cfg *config.Config, repos *repository.Repositories, catalog *pricing.Catalog, logger *slog.Logger) (*Services, error) {
	var sealer *crypto.Sealer
	if len(cfg.EncryptionKey) > 0 {
		var err error
		sealer, err = crypto.NewSealer(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create sealer: %w", err)
		}
	} else {
		logger.Warn("no encryption key configured - BYOK feature will be unavailable")
	}

	tiers := NewTierResolver(repos, cfg.Limits, cfg.IsSelfHosted())
	calc := pricing.NewCalculator(catalog, logger.With("component", "pricing"))

	gateway := NewGatewayService(GatewayConfig{
		TokenSecret:       cfg.TokenSecret,
		SettleMaxAttempts: cfg.SettleMaxAttempts,
	}, tiers, repos.Ledger, calc, logger)

	payment := NewPaymentService(repos.Ledger, cfg.SettleMaxAttempts, logger)
	// Settlements and deposits for one user share a lock.
	payment.locks = gateway.locks

	return &Services{
		Gateway:      gateway,
		Payment:      payment,
		ProviderKeys: NewProviderKeyService(repos.ProviderKeys, sealer, catalog, logger),
		Tiers:        tiers,
		Billing:      cfg.Billing,
	}, nil
}
