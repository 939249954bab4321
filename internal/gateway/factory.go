package gateway

import (
	"go.uber.org/zap"

	"roostoo-bot/pkg/config"
	"roostoo-bot/pkg/exchanges/common"
	"roostoo-bot/pkg/exchanges/paper"
	"roostoo-bot/pkg/exchanges/roostoo"
)

// QuoteAsset returns the quote asset shared by the configured symbols.
func QuoteAsset(cfg *config.Config) string {
	for _, s := range cfg.Symbols {
		if _, q := common.SplitSymbol(s); q != "" {
			return q
		}
	}
	return "USD"
}

// NewExchange builds the raw exchange for cfg. In dry-run mode it returns the
// paper exchange as well so the caller can drive its prices.
func NewExchange(cfg *config.Config, log *zap.Logger) (common.Exchange, *paper.Exchange) {
	if cfg.DryRun {
		quote := QuoteAsset(cfg)
		p := paper.New(paper.Config{
			Quote:           quote,
			InitialBalances: map[string]float64{quote: cfg.DryRunBalance},
			FeeRate:         cfg.FeeBuffer,
		})
		return p, p
	}
	return roostoo.New(roostoo.Config{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		SecretKey: cfg.SecretKey,
		Timeout:   cfg.RequestTimeout,
		RateLimit: cfg.RateLimitRPS,
	}, log), nil
}
