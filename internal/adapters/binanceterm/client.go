package binanceterm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"trademirror/internal/domain"
	"trademirror/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements the ports.ExecutionVenue interface over the Binance
// futures terminal using the go-binance library.
//
// The account is expected to run in one-way position mode, so there is at
// most one net position per symbol. The venue symbol itself serves as the
// position ticket; protective levels are modelled as close-position
// STOP_MARKET / TAKE_PROFIT_MARKET orders attached to the symbol.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
}

// Config holds configuration specific to the Binance terminal adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Logger     ports.Logger
}

// New creates a new Binance terminal adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance terminal client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance terminal configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance terminal configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		// Map specific Binance error codes to custom errors
		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2014, -2015: // API-key format invalid / invalid key, IP or permissions
			mappedErr = ports.ErrAuthenticationFailed
		case -2019: // Margin is insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -2021: // Order would immediately trigger
			mappedErr = ports.ErrInvalidStopLevel
		case -2022: // ReduceOnly order is rejected
			mappedErr = ports.ErrPositionNotFound
		case -3005: // Insufficient balance
			mappedErr = ports.ErrInsufficientFunds
		case -3041: // Position is not sufficient
			mappedErr = ports.ErrInsufficientFunds
		case -4003: // Qty not within permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4014: // Price not within permissible range
			mappedErr = ports.ErrInvalidStopLevel
		case -4044: // Position not found
			mappedErr = ports.ErrPositionNotFound
		case -4047: // Exceeded the maximum allowable position at current leverage.
			mappedErr = ports.ErrInsufficientFunds
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		// Default for other errors (e.g., parsing errors within the adapter)
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// Initialize synchronizes the client clock with the venue and verifies
// connectivity. Called once at startup before any orders flow.
func (c *Client) Initialize(ctx context.Context) error {
	op := "Initialize"
	if _, err := c.futuresClient.NewSetServerTimeService().Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// PlaceMarketOrder opens a position and attaches the requested protective
// levels. The entry fill is the point of no return: a failure while placing
// the stop orders leaves the position open and is logged rather than
// reported, so callers never mark a filled trade as failed.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, tp, sl decimal.Decimal) (*ports.OrderResult, error) {
	op := "PlaceMarketOrder"

	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(sideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(quantity.String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	fillPrice, err := decimal.NewFromString(order.AvgPrice)
	if err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("could not parse avg price '%s': %w", order.AvgPrice, err), op)
	}
	filled, err := decimal.NewFromString(order.ExecutedQuantity)
	if err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("could not parse executed quantity '%s': %w", order.ExecutedQuantity, err), op)
	}

	result := &ports.OrderResult{
		Ticket:    symbol,
		FillPrice: fillPrice,
		Volume:    filled,
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":   symbol,
		"side":     side,
		"quantity": quantity.String(),
		"orderID":  order.OrderID,
		"avgPrice": order.AvgPrice,
	})

	if !tp.IsZero() || !sl.IsZero() {
		if err := c.placeStops(ctx, symbol, side, tp, sl); err != nil {
			c.logger.Error(ctx, err, op+": position opened but attaching stops failed", map[string]interface{}{
				"symbol": symbol, "tp": tp.String(), "sl": sl.String(),
			})
		}
	}
	return result, nil
}

// ClosePosition closes volume of the symbol's net position with a
// reduce-only market order. A zero volume closes the whole position.
func (c *Client) ClosePosition(ctx context.Context, ticket string, volume decimal.Decimal) (*ports.CloseResult, error) {
	op := "ClosePosition"
	symbol := ticket

	pos, err := c.positionRisk(ctx, symbol)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if pos == nil {
		return nil, fmt.Errorf("%s: %w: no live position for %s", op, ports.ErrPositionNotFound, symbol)
	}

	held := pos.Volume
	closeQty := volume
	if closeQty.IsZero() || closeQty.GreaterThan(held) {
		closeQty = held
	}

	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(sideType(pos.Side.Opposite())).
		Type(futures.OrderTypeMarket).
		Quantity(closeQty.String()).
		ReduceOnly(true).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	fillPrice, err := decimal.NewFromString(order.AvgPrice)
	if err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("could not parse avg price '%s': %w", order.AvgPrice, err), op)
	}

	remaining := held.Sub(closeQty)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	if remaining.IsZero() {
		// Stop orders attached to a flat position would fire on the next
		// entry; clear them with the position.
		if err := c.futuresClient.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
			c.logger.Warn(ctx, op+": failed to cancel leftover stop orders", map[string]interface{}{
				"symbol": symbol, "error": err.Error(),
			})
		}
	}

	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":    symbol,
		"closed":    closeQty.String(),
		"remaining": remaining.String(),
		"avgPrice":  order.AvgPrice,
	})
	return &ports.CloseResult{FillPrice: fillPrice, RemainingVolume: remaining}, nil
}

// UpdateStops replaces the protective levels on the symbol's position by
// cancelling the existing close-position orders and placing fresh ones.
func (c *Client) UpdateStops(ctx context.Context, ticket string, tp, sl decimal.Decimal) error {
	op := "UpdateStops"
	symbol := ticket

	pos, err := c.positionRisk(ctx, symbol)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	if pos == nil {
		return fmt.Errorf("%s: %w: no live position for %s", op, ports.ErrPositionNotFound, symbol)
	}

	if err := c.futuresClient.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	if err := c.placeStops(ctx, symbol, pos.Side, tp, sl); err != nil {
		return err
	}

	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": symbol, "tp": tp.String(), "sl": sl.String(),
	})
	return nil
}

// ListOpenPositions returns every non-flat position on the account, with the
// current protective levels read back from the attached stop orders.
func (c *Client) ListOpenPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	op := "ListOpenPositions"
	risks, err := c.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	var positions []domain.VenuePosition
	for _, r := range risks {
		pos, err := translatePositionRisk(r)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if pos == nil {
			continue
		}
		tp, sl, err := c.attachedStops(ctx, pos.Symbol)
		if err != nil {
			return nil, err
		}
		pos.TakeProfit = tp
		pos.StopLoss = sl
		positions = append(positions, *pos)
	}
	return positions, nil
}

// placeStops installs close-position stop orders for the non-zero levels.
// Both orders sit on the opposite side of the position they protect.
func (c *Client) placeStops(ctx context.Context, symbol string, side domain.OrderSide, tp, sl decimal.Decimal) error {
	exitSide := sideType(side.Opposite())

	if !sl.IsZero() {
		_, err := c.futuresClient.NewCreateOrderService().
			Symbol(symbol).
			Side(exitSide).
			Type(futures.OrderTypeStopMarket).
			StopPrice(sl.String()).
			ClosePosition(true).
			Do(ctx)
		if err != nil {
			return c.handleError(ctx, err, "PlaceStopMarketOrder")
		}
	}
	if !tp.IsZero() {
		_, err := c.futuresClient.NewCreateOrderService().
			Symbol(symbol).
			Side(exitSide).
			Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(tp.String()).
			ClosePosition(true).
			Do(ctx)
		if err != nil {
			return c.handleError(ctx, err, "PlaceTakeProfitMarketOrder")
		}
	}
	return nil
}

// positionRisk fetches the symbol's position, returning nil when the account
// is flat on it.
func (c *Client) positionRisk(ctx context.Context, symbol string) (*domain.VenuePosition, error) {
	risks, err := c.futuresClient.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(risks) == 0 {
		return nil, nil
	}
	// One-way mode: a single entry per symbol.
	return translatePositionRisk(risks[0])
}

// attachedStops reads the current protective levels back from the symbol's
// open close-position orders.
func (c *Client) attachedStops(ctx context.Context, symbol string) (tp, sl decimal.Decimal, err error) {
	op := "attachedStops"
	orders, err := c.futuresClient.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, c.handleError(ctx, err, op)
	}
	for _, o := range orders {
		if !o.ClosePosition {
			continue
		}
		price, perr := decimal.NewFromString(o.StopPrice)
		if perr != nil {
			return decimal.Zero, decimal.Zero, c.handleError(ctx, fmt.Errorf("could not parse stop price '%s': %w", o.StopPrice, perr), op)
		}
		switch o.Type {
		case futures.OrderTypeStopMarket:
			sl = price
		case futures.OrderTypeTakeProfitMarket:
			tp = price
		}
	}
	return tp, sl, nil
}

func translatePositionRisk(r *futures.PositionRisk) (*domain.VenuePosition, error) {
	amt, err := decimal.NewFromString(r.PositionAmt)
	if err != nil {
		return nil, fmt.Errorf("could not parse position amount '%s': %w", r.PositionAmt, err)
	}
	if amt.IsZero() {
		return nil, nil
	}
	mark, err := decimal.NewFromString(r.MarkPrice)
	if err != nil {
		return nil, fmt.Errorf("could not parse mark price '%s': %w", r.MarkPrice, err)
	}

	side := domain.Buy
	if amt.IsNegative() {
		side = domain.Sell
	}
	return &domain.VenuePosition{
		Ticket:       r.Symbol,
		Symbol:       r.Symbol,
		Side:         side,
		Volume:       amt.Abs(),
		CurrentPrice: mark,
	}, nil
}

func sideType(side domain.OrderSide) futures.SideType {
	if side == domain.Sell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}
