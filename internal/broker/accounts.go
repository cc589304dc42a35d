// accounts.go is the REST pre-flight for the binary session: it resolves
// the trading accounts an OAuth access token can reach, so a mismatched
// ctidTraderAccountId is caught before the websocket auth dance.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// TradingAccount is one entry from the accounts-by-token endpoint.
type TradingAccount struct {
	AccountID int64  `json:"ctidTraderAccountId"`
	Live      bool   `json:"isLive"`
	Broker    string `json:"brokerName"`
}

// AccountsClient queries the Open API REST surface.
// It wraps a resty HTTP client with retry on 5xx.
type AccountsClient struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewAccountsClient creates a REST client for the given base URL.
func NewAccountsClient(baseURL string, logger *slog.Logger) *AccountsClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &AccountsClient{
		http:   httpClient,
		logger: logger.With("component", "accounts-api"),
	}
}

// AccountsByToken lists the trading accounts reachable with accessToken.
func (c *AccountsClient) AccountsByToken(ctx context.Context, accessToken string) ([]TradingAccount, error) {
	var result []TradingAccount
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("access_token", accessToken).
		SetResult(&result).
		Get("/v2/tradingaccounts")
	if err != nil {
		return nil, fmt.Errorf("get trading accounts: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get trading accounts: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// VerifyAccount checks that accountID is among the token's accounts.
// A lookup failure is reported as an error; the caller decides whether
// that is fatal (it is not — the session auth is authoritative).
func (c *AccountsClient) VerifyAccount(ctx context.Context, accessToken string, accountID int64) error {
	accounts, err := c.AccountsByToken(ctx, accessToken)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		if a.AccountID == accountID {
			return nil
		}
	}
	return fmt.Errorf("account %d not reachable with the configured access token", accountID)
}
