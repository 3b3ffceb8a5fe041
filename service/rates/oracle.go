package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Oracle provides current exchange rates.
type Oracle interface {
	GetPrice(ctx context.Context, base, quote string) (float64, error)
}

// coinIDs maps ticker symbols to CoinGecko coin ids.
var coinIDs = map[string]string{
	"SOL": "solana",
}

// CoinGeckoOracle reads spot prices from the CoinGecko simple price API.
type CoinGeckoOracle struct {
	baseURL    string
	httpClient *http.Client
}

// NewCoinGeckoOracle creates an oracle against baseURL
// (e.g. https://api.coingecko.com/api/v3). If httpClient is nil, a client
// with a 10 second timeout is used.
func NewCoinGeckoOracle(baseURL string, httpClient *http.Client) *CoinGeckoOracle {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &CoinGeckoOracle{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// GetPrice returns the price of one unit of base in quote.
func (o *CoinGeckoOracle) GetPrice(ctx context.Context, base, quote string) (float64, error) {
	id, ok := coinIDs[strings.ToUpper(base)]
	if !ok {
		id = strings.ToLower(base)
	}
	vs := strings.ToLower(quote)

	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", vs)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("price request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price oracle returned status %d", resp.StatusCode)
	}

	var body map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("failed to decode price response: %w", err)
	}

	price, ok := body[id][vs]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("no %s/%s price in response", base, quote)
	}
	return price, nil
}
