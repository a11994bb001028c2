package polymarket

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/fzheng/polymarket-arb15/internal/arb"
	"github.com/fzheng/polymarket-arb15/internal/crypto"
	"github.com/fzheng/polymarket-arb15/internal/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// usdcTokenAddress is the native (bridged) USDC contract on Polygon
// mainnet. Chosen to match the CLOB's settlement asset.
const usdcTokenAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

var erc20BalanceOfSelector = ethcrypto.Keccak256([]byte("balanceOf(address)"))[:4]

// ArbExchange adapts ClobClient to the arb.Exchange contract (spec.md
// §4.4). It is the only concrete Exchange implementation used in live
// mode; paper mode runs against arb.Simulator instead.
type ArbExchange struct {
	clob      *ClobClient
	signer    *crypto.Signer
	rpcURL    string
	ethClient *ethclient.Client
	relayer   *RelayerClient
}

// NewArbExchange wires a ClobClient and an RPC endpoint (for on-chain
// balance queries) into an arb.Exchange. It also wraps clob in a
// RelayerClient, used as a gasless-submission fallback when a direct
// PostOrder fails — the wallet may hold USDC but no MATIC for gas, which
// a relayed resubmission works around.
func NewArbExchange(clob *ClobClient, signer *crypto.Signer, rpcURL string) *ArbExchange {
	return &ArbExchange{clob: clob, signer: signer, rpcURL: rpcURL, relayer: NewRelayerClient(clob)}
}

func (e *ArbExchange) wallet() string {
	return e.signer.Address().Hex()
}

// buildAndSign constructs a domain.Order for the given side/price/size and
// signs it, following the amount convention order_service.go uses: maker
// and taker amounts carry the order's own price/size ticks rather than a
// fully decimal-scaled notional, since the CLOB payload round-trips them
// verbatim through PostOrder.
func (e *ArbExchange) buildAndSign(tokenID string, side arb.ExchangeOrderSide, price, size decimal.Decimal, orderType domain.OrderType) (domain.Order, error) {
	wallet := e.wallet()
	priceTicks := price.Mul(decimal.New(1, 6)).IntPart()
	sizeUnits := size.Mul(decimal.New(1, 6)).IntPart()

	domainSide := domain.OrderSideBuy
	sideInt := 0
	if side == arb.ExchangeSell {
		domainSide = domain.OrderSideSell
		sideInt = 1
	}

	order := domain.Order{
		ID:         fmt.Sprintf("%s-%d", tokenID, time.Now().UnixNano()),
		TokenID:    tokenID,
		Wallet:     wallet,
		Side:       domainSide,
		Type:       orderType,
		PriceTicks: priceTicks,
		SizeUnits:  sizeUnits,
		Status:     domain.OrderStatusPending,
		CreatedAt:  time.Now().UTC(),
	}

	payload := crypto.OrderPayload{
		Salt:          fmt.Sprintf("%d", time.Now().UnixNano()),
		Maker:         wallet,
		Signer:        wallet,
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       tokenID,
		MakerAmount:   fmt.Sprintf("%d", priceTicks),
		TakerAmount:   fmt.Sprintf("%d", sizeUnits),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          sideInt,
		SignatureType: 0,
	}

	sig, err := e.signer.SignOrder(payload)
	if err != nil {
		return domain.Order{}, fmt.Errorf("polymarket/arb_exchange: sign order: %w", err)
	}
	order.Signature = sig
	order.MakerAmount = big.NewInt(priceTicks)
	order.TakerAmount = big.NewInt(sizeUnits)

	return order, nil
}

// CreateLimitOrder places a resting GTC maker-limit order.
func (e *ArbExchange) CreateLimitOrder(ctx context.Context, tokenID string, side arb.ExchangeOrderSide, price, size decimal.Decimal) (arb.CreateOrderResult, error) {
	order, err := e.buildAndSign(tokenID, side, price, size, domain.OrderTypeGTC)
	if err != nil {
		return arb.CreateOrderResult{Error: err.Error()}, err
	}

	result, err := e.clob.PostOrder(ctx, order)
	if err != nil {
		// A direct submission can fail for reasons a gasless resubmission
		// fixes (no MATIC for gas); retry once through the relayer before
		// giving up on this order.
		relayResult, relayErr := e.relayer.SubmitGasless(ctx, order)
		if relayErr != nil {
			return arb.CreateOrderResult{Success: false, Error: err.Error()}, nil
		}
		return arb.CreateOrderResult{
			Success: relayResult.Success && relayResult.OrderID != "",
			OrderID: relayResult.OrderID,
			Error:   relayResult.Message,
		}, nil
	}

	return arb.CreateOrderResult{
		Success: result.Success && result.OrderID != "",
		OrderID: result.OrderID,
		Error:   result.Message,
	}, nil
}

// CreateMarketOrder places an immediate FOK order sized by dollar notional.
// share size is back-derived from notional/price so the signed payload still
// carries a concrete tokenId size, matching how the CLOB expects FOK orders
// to be sized.
func (e *ArbExchange) CreateMarketOrder(ctx context.Context, tokenID string, side arb.ExchangeOrderSide, notional decimal.Decimal) (arb.MarketOrderResult, error) {
	book, err := e.GetOrderbook(ctx, tokenID)
	if err != nil {
		return arb.MarketOrderResult{Error: err.Error()}, nil
	}

	bid, ask, hasBid, hasAsk := book.BestBidAsk()
	var refPrice decimal.Decimal
	switch {
	case side == arb.ExchangeBuy && hasAsk:
		refPrice = ask
	case side == arb.ExchangeSell && hasBid:
		refPrice = bid
	default:
		return arb.MarketOrderResult{Error: "polymarket/arb_exchange: no liquidity on opposing side"}, nil
	}
	if refPrice.IsZero() {
		return arb.MarketOrderResult{Error: "polymarket/arb_exchange: reference price is zero"}, nil
	}
	size := notional.Div(refPrice)

	order, err := e.buildAndSign(tokenID, side, refPrice, size, domain.OrderTypeFOK)
	if err != nil {
		return arb.MarketOrderResult{Error: err.Error()}, err
	}

	result, err := e.clob.PostOrder(ctx, order)
	if err != nil {
		return arb.MarketOrderResult{Success: false, Error: err.Error()}, nil
	}

	return arb.MarketOrderResult{
		Success:     result.Success && result.OrderID != "",
		OrderID:     result.OrderID,
		FilledPrice: refPrice,
		Error:       result.Message,
	}, nil
}

// GetOrder polls the status of a previously placed order, mapping the
// CLOB's narrower status vocabulary onto arb.ExchangeOrderStatus. Since
// domain.Order carries no "partially_filled" state of its own, a matched
// order whose FilledSize is short of its SizeUnits is reported as
// partially_filled rather than filled (spec.md §4.6 distinguishes the two
// for fill-poll handling).
func (e *ArbExchange) GetOrder(ctx context.Context, orderID string) (arb.OrderStatusResult, error) {
	order, err := e.clob.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return arb.OrderStatusResult{Status: arb.StatusNotFound}, nil
		}
		return arb.OrderStatusResult{}, fmt.Errorf("polymarket/arb_exchange: get order %s: %w", orderID, err)
	}

	filled := decimal.NewFromFloat(order.FilledSize)
	status := arb.StatusOpen
	switch order.Status {
	case domain.OrderStatusPending:
		status = arb.StatusPending
	case domain.OrderStatusOpen:
		status = arb.StatusOpen
	case domain.OrderStatusMatched:
		orderSize := decimal.New(order.SizeUnits, -6)
		if orderSize.GreaterThan(decimal.Zero) && filled.LessThan(orderSize) {
			status = arb.StatusPartiallyFilled
		} else {
			status = arb.StatusFilled
		}
	case domain.OrderStatusCancelled:
		status = arb.StatusCancelled
	case domain.OrderStatusFailed:
		status = arb.StatusRejected
	default:
		status = arb.StatusNotFound
	}

	return arb.OrderStatusResult{Status: status, FilledSize: filled}, nil
}

// CancelOrder cancels an order. Per the Exchange contract, cancelling an
// already-terminal order must not surface as an error; the CLOB's /order
// DELETE endpoint returns success=false with a message in that case, which
// we treat as a benign no-op.
func (e *ArbExchange) CancelOrder(ctx context.Context, orderID string) error {
	if err := e.clob.CancelOrder(ctx, orderID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("polymarket/arb_exchange: cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetOrderbook returns a one-shot snapshot for tokenID.
func (e *ArbExchange) GetOrderbook(ctx context.Context, tokenID string) (arb.Orderbook, error) {
	book, err := e.clob.GetOrderbook(ctx, tokenID)
	if err != nil {
		return arb.Orderbook{}, fmt.Errorf("polymarket/arb_exchange: get orderbook %s: %w", tokenID, err)
	}

	out := arb.Orderbook{
		Bids: make([]arb.PriceLevel, 0, len(book.Bids)),
		Asks: make([]arb.PriceLevel, 0, len(book.Asks)),
	}
	for _, lvl := range book.Bids {
		p, errP := decimal.NewFromString(lvl.Price)
		s, errS := decimal.NewFromString(lvl.Size)
		if errP != nil || errS != nil {
			continue
		}
		out.Bids = append(out.Bids, arb.PriceLevel{Price: p, Size: s})
	}
	for _, lvl := range book.Asks {
		p, errP := decimal.NewFromString(lvl.Price)
		s, errS := decimal.NewFromString(lvl.Size)
		if errP != nil || errS != nil {
			continue
		}
		out.Asks = append(out.Asks, arb.PriceLevel{Price: p, Size: s})
	}
	return out, nil
}

// SettleMarket attempts redemption of resolved positions for marketID,
// which doubles as the condition ID in the Polymarket CTF.
func (e *ArbExchange) SettleMarket(ctx context.Context, marketID string) (arb.SettleResult, error) {
	result, err := e.clob.Redeem(ctx, marketID)
	if err != nil {
		return arb.SettleResult{}, fmt.Errorf("polymarket/arb_exchange: settle market %s: %w", marketID, err)
	}

	amount := decimal.Zero
	if result.AmountReceived != "" {
		if parsed, parseErr := decimal.NewFromString(result.AmountReceived); parseErr == nil {
			amount = parsed
		}
	}

	return arb.SettleResult{Success: result.Success, AmountReceived: amount}, nil
}

// Balance returns the signer's on-chain USDC balance via a raw eth_call to
// the token's balanceOf(address) selector, grounded on the manual-calldata
// idiom for ERC20 reads rather than pulling in a full contract-binding
// package: the CLOB's own trading balance tracks the same on-chain amount,
// so no separate off-chain balance endpoint is needed.
func (e *ArbExchange) Balance(ctx context.Context) (decimal.Decimal, error) {
	client, err := e.dialEthClient(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	data := make([]byte, 0, 36)
	data = append(data, erc20BalanceOfSelector...)
	data = append(data, common.LeftPadBytes(e.signer.Address().Bytes(), 32)...)

	tokenAddr := common.HexToAddress(usdcTokenAddress)
	raw, err := client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("polymarket/arb_exchange: balanceOf call: %w", err)
	}

	micros := new(big.Int).SetBytes(raw)
	return decimal.NewFromBigInt(micros, -6), nil
}

func (e *ArbExchange) dialEthClient(ctx context.Context) (*ethclient.Client, error) {
	if e.ethClient != nil {
		return e.ethClient, nil
	}
	if e.rpcURL == "" {
		return nil, fmt.Errorf("polymarket/arb_exchange: no RPC URL configured for balance queries")
	}
	client, err := ethclient.DialContext(ctx, e.rpcURL)
	if err != nil {
		return nil, fmt.Errorf("polymarket/arb_exchange: dial RPC %s: %w", e.rpcURL, err)
	}
	e.ethClient = client
	return client, nil
}
