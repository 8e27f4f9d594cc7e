// Package indexer implements the HTTP client for the external indexer that
// reports on-chain balances, finalized claims, compact registrations and
// allocator registrations per chain.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ruteri/compact-allocator/interfaces"
)

// Client queries the indexer over HTTP. All responses are decoded into
// exact integers; a malformed numeric field is a dependency error, not a
// zero.
type Client struct {
	// BaseURL is the indexer's base URL without trailing slash.
	BaseURL string

	// HTTPClient is the client used for requests; http.DefaultClient when
	// nil.
	HTTPClient *http.Client
}

// New creates an indexer client with a default request timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type resourceLockResponse struct {
	Balance          string `json:"balance"`
	WithdrawalStatus int    `json:"withdrawalStatus"`
	PendingDeposits  []struct {
		Delta string `json:"delta"`
	} `json:"pendingDeposits"`
}

type claimsResponse struct {
	ClaimHashes []string `json:"claimHashes"`
}

type registrationResponse struct {
	ClaimHash           string  `json:"claimHash"`
	Sponsor             string  `json:"sponsor"`
	Expires             string  `json:"expires"`
	BlockTimestamp      uint64  `json:"blockTimestamp"`
	ClaimBlockTimestamp *uint64 `json:"claimBlockTimestamp,omitempty"`
}

type supportedChainsResponse struct {
	Chains []struct {
		ChainID                      string `json:"chainId"`
		AllocatorID                  string `json:"allocatorId"`
		FinalizationThresholdSeconds uint64 `json:"finalizationThresholdSeconds"`
	} `json:"chains"`
}

// ResourceLock returns the balance, summed unfinalized deposit deltas and
// withdrawal status for one (chain, sponsor, lock).
func (c *Client) ResourceLock(ctx context.Context, chainID uint64, sponsor common.Address, lockID *big.Int) (*interfaces.ResourceLockState, error) {
	url := fmt.Sprintf("%s/v1/chains/%d/accounts/%s/locks/%s", c.BaseURL, chainID, sponsor.Hex(), lockID.String())

	var parsed resourceLockResponse
	if err := c.get(ctx, url, &parsed); err != nil {
		return nil, fmt.Errorf("could not query resource lock state: %w", err)
	}

	balance, err := parseUint256(parsed.Balance, "balance")
	if err != nil {
		return nil, err
	}
	pending := new(big.Int)
	for _, d := range parsed.PendingDeposits {
		delta, err := parseUint256(d.Delta, "pending deposit delta")
		if err != nil {
			return nil, err
		}
		pending.Add(pending, delta)
	}

	return &interfaces.ResourceLockState{
		Balance:          balance,
		PendingDeposits:  pending,
		WithdrawalStatus: parsed.WithdrawalStatus,
	}, nil
}

// FinalizedClaimHashes returns the sponsor's claim hashes the indexer has
// seen finalized on-chain within its trailing window.
func (c *Client) FinalizedClaimHashes(ctx context.Context, chainID uint64, sponsor common.Address) ([]common.Hash, error) {
	url := fmt.Sprintf("%s/v1/chains/%d/accounts/%s/claims?finalized=true", c.BaseURL, chainID, sponsor.Hex())

	var parsed claimsResponse
	if err := c.get(ctx, url, &parsed); err != nil {
		return nil, fmt.Errorf("could not query finalized claims: %w", err)
	}

	hashes := make([]common.Hash, 0, len(parsed.ClaimHashes))
	for _, h := range parsed.ClaimHashes {
		hashes = append(hashes, common.HexToHash(h))
	}
	return hashes, nil
}

// Registration returns the on-chain registration record for a claim hash,
// or nil when the indexer reports none. Transport and server failures
// return an error.
func (c *Client) Registration(ctx context.Context, chainID uint64, claimHash common.Hash) (*interfaces.RegistrationRecord, error) {
	url := fmt.Sprintf("%s/v1/chains/%d/registrations/%s", c.BaseURL, chainID, claimHash.Hex())

	var parsed registrationResponse
	err := c.get(ctx, url, &parsed)
	if err == errNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query compact registration: %w", err)
	}

	expires, err := parseUint256(parsed.Expires, "registration expires")
	if err != nil {
		return nil, err
	}

	return &interfaces.RegistrationRecord{
		ClaimHash:    common.HexToHash(parsed.ClaimHash),
		Sponsor:      common.HexToAddress(parsed.Sponsor),
		Expires:      expires,
		RegisteredAt: parsed.BlockTimestamp,
		ClaimedAt:    parsed.ClaimBlockTimestamp,
	}, nil
}

// SupportedChains returns the chains where the allocator address is
// registered, with its allocator IDs and finalization thresholds.
func (c *Client) SupportedChains(ctx context.Context, allocator common.Address) ([]interfaces.ChainMetadata, error) {
	url := fmt.Sprintf("%s/v1/allocators/%s/chains", c.BaseURL, allocator.Hex())

	var parsed supportedChainsResponse
	if err := c.get(ctx, url, &parsed); err != nil {
		return nil, fmt.Errorf("could not query supported chains: %w", err)
	}

	chains := make([]interfaces.ChainMetadata, 0, len(parsed.Chains))
	for _, ch := range parsed.Chains {
		chainID, ok := new(big.Int).SetString(ch.ChainID, 10)
		if !ok || !chainID.IsUint64() {
			return nil, fmt.Errorf("indexer returned invalid chain id %q", ch.ChainID)
		}
		allocatorID, err := parseUint256(ch.AllocatorID, "allocator id")
		if err != nil {
			return nil, err
		}
		chains = append(chains, interfaces.ChainMetadata{
			ChainID:                      chainID.Uint64(),
			AllocatorID:                  allocatorID,
			FinalizationThresholdSeconds: ch.FinalizationThresholdSeconds,
		})
	}
	return chains, nil
}

var errNotFound = fmt.Errorf("not found")

func (c *Client) get(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("indexer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("indexer returned non-200 response: %d", resp.StatusCode)
		}
		return fmt.Errorf("indexer returned error %d: %s", resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not parse indexer response: %w", err)
	}
	return nil
}

func parseUint256(value, fieldName string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(value, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("indexer returned invalid %s %q", fieldName, value)
	}
	return n, nil
}
