// Package harnesstest runs the orchestrator fully in process: the simulated chain, the real mock and
// fixture servers, and a scripted wallet page rendered into a drivertest browser.
package harnesstest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/compose-network/scenario-harness/configs"
	"github.com/compose-network/scenario-harness/internal/chain"
	"github.com/compose-network/scenario-harness/internal/driver"
	"github.com/compose-network/scenario-harness/internal/driver/drivertest"
	"github.com/compose-network/scenario-harness/internal/harness"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	GasFeesURL = "http://gas-api.metaswap.codefi.network/networks/1337/suggestedGasFees"

	BalanceSelector   = `[data-testid="eth-overview__primary-currency"]`
	SendSelector      = `[data-testid="eth-overview-send"]`
	WarningSelector   = `[data-testid="network-busy-warning"]`
	AddressSelector   = "#address"
	TokenIDSelector   = "#token-id"
	ImportSelector    = `[data-testid="import-nfts-modal-import-button"]`
	ToastSelector     = ".toast"
	ImportErrSelector = ".import-nfts-error"
	ConnectSelector   = "#connectButton"

	NetworkBusyText       = "Network is busy. Gas prices are high and estimates are less accurate."
	ImportSuccessText     = "NFT was successfully added!"
	OwnershipMismatchText = "NFT can't be added as the ownership details do not match. Make sure you have entered correct information."

	// busyCongestion is the networkCongestion level from which the send screen warns.
	busyCongestion = 0.66
	// ownedTokens is how many token ids the seeded account holds, starting at 1.
	ownedTokens = 3

	requestTimeout = 5 * time.Second
)

// Wallet renders a minimal wallet home screen from the fixture document the app URL points at.
// Pages without a fixture reference render as the companion dapp.
type Wallet struct {
	mu       sync.Mutex
	browsers []*drivertest.Browser
}

func NewWallet() *Wallet {
	return &Wallet{}
}

// DriverFactory launches a scripted browser per invocation, proxied through the mock server the
// orchestrator passes in.
func (w *Wallet) DriverFactory() harness.DriverFactory {
	return func(_ context.Context, cfg configs.Driver, proxyURL, appURL string) (*driver.Driver, error) {
		proxy, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", proxyURL, err)
		}

		b := drivertest.New()
		b.OnNavigate(w.renderer(&http.Client{
			Timeout:   requestTimeout,
			Transport: &http.Transport{Proxy: http.ProxyURL(proxy), DisableKeepAlives: true},
		}))

		w.mu.Lock()
		w.browsers = append(w.browsers, b)
		w.mu.Unlock()

		return driver.New(b, driver.ConfigFrom(cfg), appURL), nil
	}
}

// Browser returns the browser of the most recent invocation.
func (w *Wallet) Browser() *drivertest.Browser {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.browsers) == 0 {
		return nil
	}
	return w.browsers[len(w.browsers)-1]
}

type fixtureDocument struct {
	Data struct {
		AccountsController struct {
			SelectedAccount string `json:"selectedAccount"`
		} `json:"AccountsController"`
		NetworkController struct {
			ProviderConfig struct {
				RPCURL string `json:"rpcUrl"`
			} `json:"providerConfig"`
		} `json:"NetworkController"`
	} `json:"data"`
}

func (w *Wallet) renderer(proxied *http.Client) func(b *drivertest.Browser, rawURL string) {
	return func(b *drivertest.Browser, rawURL string) {
		u, err := url.Parse(rawURL)
		if err != nil {
			b.Log("wallet: " + err.Error())
			return
		}

		fixtureURL := u.Query().Get(harness.FixturesQueryParam)
		if fixtureURL == "" {
			b.Add(drivertest.Node{Tag: "button", Selectors: []string{ConnectSelector}, Text: "Connect", Visible: true})
			return
		}

		doc, err := loadFixtures(fixtureURL)
		if err != nil {
			b.Log("wallet: " + err.Error())
			return
		}
		rpcURL := doc.Data.NetworkController.ProviderConfig.RPCURL

		balance, err := balanceOf(rpcURL, doc.Data.AccountsController.SelectedAccount)
		if err != nil {
			b.Log("wallet: " + err.Error())
			return
		}

		b.Add(drivertest.Node{Tag: "span", Selectors: []string{BalanceSelector}, Text: chain.FormatEther(balance) + " ETH", Visible: true})
		b.Add(drivertest.Node{Tag: "button", Selectors: []string{SendSelector}, Text: "Send", Visible: true, OnClick: func(b *drivertest.Browser) {
			send(b, proxied)
		}})
		b.Add(drivertest.Node{Tag: "input", Selectors: []string{AddressSelector}, Visible: true})
		b.Add(drivertest.Node{Tag: "input", Selectors: []string{TokenIDSelector}, Visible: true})
		b.Add(drivertest.Node{Tag: "button", Selectors: []string{ImportSelector}, Text: "Import", Visible: true, OnClick: func(b *drivertest.Browser) {
			importNFT(b, rpcURL)
		}})
	}
}

func loadFixtures(fixtureURL string) (fixtureDocument, error) {
	var doc fixtureDocument

	client := &http.Client{Timeout: requestTimeout}
	resp, err := client.Get(fixtureURL)
	if err != nil {
		return doc, fmt.Errorf("failed to load fixtures: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return doc, fmt.Errorf("failed to load fixtures: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return doc, fmt.Errorf("failed to decode fixtures: %w", err)
	}
	return doc, nil
}

func balanceOf(rpcURL, account string) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	defer client.Close()

	balance, err := client.BalanceAt(ctx, common.HexToAddress(account), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// send loads the gas fee estimate the way the send screen does, through the proxy, and shows the
// busy warning once.
func send(b *drivertest.Browser, client *http.Client) {
	resp, err := client.Get(GasFeesURL)
	if err != nil {
		b.Log("wallet: failed to load gas fees: " + err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b.Log("wallet: gas fees status " + strconv.Itoa(resp.StatusCode))
		return
	}

	var fees struct {
		NetworkCongestion float64 `json:"networkCongestion"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&fees); err != nil {
		b.Log("wallet: failed to decode gas fees: " + err.Error())
		return
	}
	if fees.NetworkCongestion < busyCongestion {
		return
	}

	shown, err := b.Query(context.Background(), driver.CSS(WarningSelector))
	if err == nil && len(shown) == 0 {
		b.Add(drivertest.Node{Tag: "div", Selectors: []string{WarningSelector}, Text: NetworkBusyText, Visible: true})
	}
}

// importNFT accepts a token when the address holds code and the id is one the account owns.
func importNFT(b *drivertest.Browser, rpcURL string) {
	b.Remove(ToastSelector)
	b.Remove(ImportErrSelector)

	address := b.ValueOf(AddressSelector)
	id, err := strconv.ParseInt(b.ValueOf(TokenIDSelector), 10, 64)
	if err != nil || !common.IsHexAddress(address) {
		b.Add(drivertest.Node{Selectors: []string{ImportErrSelector}, Text: OwnershipMismatchText, Visible: true})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		b.Log("wallet: " + err.Error())
		return
	}
	defer client.Close()

	code, err := client.CodeAt(ctx, common.HexToAddress(address), nil)
	if err != nil || len(code) == 0 || id < 1 || id > ownedTokens {
		b.Add(drivertest.Node{Selectors: []string{ImportErrSelector}, Text: OwnershipMismatchText, Visible: true})
		return
	}
	b.Add(drivertest.Node{Selectors: []string{ToastSelector}, Text: ImportSuccessText, Visible: true})
}
