// Package normalizer converts classified request/response pairs captured by
// the traffic interception layer into canonical trade intent events. The
// transformation is pure: a malformed pair yields no event and a logged parse
// failure, never an error across the bus boundary.
package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"trademirror/internal/domain"
	"trademirror/internal/ports"
)

// InterceptedPair is the interception layer's delivery contract: one HTTP
// request matched against the signal venue's trading endpoints, with its
// response body.
type InterceptedPair struct {
	Method         string
	URL            string
	Form           map[string]string // URL-encoded form fields of the request
	ResponseBody   []byte
	ResponseStatus int
}

// Normalizer turns intercepted pairs into trade intent events.
type Normalizer struct {
	logger ports.Logger
}

// New creates a normalizer.
func New(logger ports.Logger) (*Normalizer, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for normalizer")
	}
	return &Normalizer{logger: logger}, nil
}

// Normalize classifies the pair and returns exactly one event, or nil when
// the pair matches no endpoint shape or fails to parse (both logged).
func (n *Normalizer) Normalize(ctx context.Context, pair InterceptedPair) domain.Event {
	u, err := url.Parse(pair.URL)
	if err != nil {
		n.logger.Warn(ctx, "Dropping intercepted pair with unparseable URL", map[string]interface{}{"url": pair.URL})
		return nil
	}
	path := strings.TrimSuffix(u.Path, "/")
	last := lastSegment(path)

	switch {
	case pair.Method == "POST" && strings.HasSuffix(path, "/orders") && hasAll(pair.Form, "instrument", "side", "qty"):
		return n.normalizeOpen(ctx, pair)
	case pair.Method == "GET" && strings.Contains(path, "/executions"):
		return n.normalizeExecution(ctx, pair)
	case pair.Method == "DELETE" && (strings.Contains(last, ".TP.") || strings.Contains(last, ".SL.")):
		return n.normalizeLevelDelete(ctx, last)
	case pair.Method == "DELETE" && strings.Contains(path, "/positions/"):
		return n.normalizeClose(ctx, u, pair)
	case pair.Method == "PUT" && strings.Contains(path, "/positions/"):
		return n.normalizeModify(ctx, last, pair)
	}

	n.logger.Debug(ctx, "Intercepted pair matches no trading endpoint", map[string]interface{}{
		"method": pair.Method,
		"url":    pair.URL,
	})
	return nil
}

// orderResponse is the relevant slice of the signal venue's order placement
// response: {"s":"ok","d":{"orderId":"..."}}.
type orderResponse struct {
	Status string `json:"s"`
	Data   struct {
		OrderID json.Number `json:"orderId"`
	} `json:"d"`
	ErrMsg string `json:"errmsg"`
}

func (n *Normalizer) normalizeOpen(ctx context.Context, pair InterceptedPair) domain.Event {
	form := pair.Form

	qty, err := decimal.NewFromString(form["qty"])
	if err != nil || !qty.IsPositive() {
		n.logger.Warn(ctx, "Dropping order placement with invalid quantity", map[string]interface{}{"qty": form["qty"]})
		return nil
	}
	side := domain.OrderSide(strings.ToLower(form["side"]))
	if !side.IsValid() {
		n.logger.Warn(ctx, "Dropping order placement with invalid side", map[string]interface{}{"side": form["side"]})
		return nil
	}

	var resp orderResponse
	if err := json.Unmarshal(pair.ResponseBody, &resp); err != nil {
		n.logger.Warn(ctx, "Dropping order placement with unparseable response", map[string]interface{}{"error": err.Error()})
		return nil
	}
	externalOrderID := resp.Data.OrderID.String()
	if externalOrderID == "" {
		n.logger.Warn(ctx, "Dropping order placement without an order ID in the response", map[string]interface{}{"status": resp.Status})
		return nil
	}

	orderType := domain.OrderType(strings.ToLower(form["type"]))
	if orderType == "" {
		orderType = domain.OrderTypeMarket
	}

	formJSON, _ := json.Marshal(form)
	return domain.OpenEvent{
		ExternalOrderID: externalOrderID,
		Instrument:      form["instrument"],
		Side:            side,
		Quantity:        qty,
		OrderType:       orderType,
		Ask:             optionalDecimal(form["currentAsk"]),
		Bid:             optionalDecimal(form["currentBid"]),
		TakeProfit:      optionalDecimal(form["takeProfit"]),
		StopLoss:        optionalDecimal(form["stopLoss"]),
		TrailingPips:    optionalDecimal(form["trailingStopPips"]),
		RequestPayload:  string(formJSON),
		ResponsePayload: string(pair.ResponseBody),
	}
}

// executionsResponse is the venue's execution report shape:
// {"s":"ok","d":[{"orderId":...,"positionId":...,"price":...}, ...]}.
type executionsResponse struct {
	Status string `json:"s"`
	Data   []struct {
		OrderID    json.Number `json:"orderId"`
		PositionID json.Number `json:"positionId"`
		Price      json.Number `json:"price"`
	} `json:"d"`
}

func (n *Normalizer) normalizeExecution(ctx context.Context, pair InterceptedPair) domain.Event {
	var resp executionsResponse
	if err := json.Unmarshal(pair.ResponseBody, &resp); err != nil {
		n.logger.Warn(ctx, "Dropping execution report with unparseable response", map[string]interface{}{"error": err.Error()})
		return nil
	}
	if len(resp.Data) == 0 {
		n.logger.Debug(ctx, "Execution report carried no fills")
		return nil
	}

	// A report can carry several fills; the most recent entry is the one the
	// intercepted request was refreshing for.
	fill := resp.Data[len(resp.Data)-1]
	if fill.OrderID.String() == "" || fill.PositionID.String() == "" {
		n.logger.Warn(ctx, "Dropping execution report without order/position IDs")
		return nil
	}
	return domain.ExecutionConfirmedEvent{
		ExternalOrderID: fill.OrderID.String(),
		PositionID:      fill.PositionID.String(),
		FillPrice:       optionalDecimal(fill.Price.String()),
	}
}

func (n *Normalizer) normalizeClose(ctx context.Context, u *url.URL, pair InterceptedPair) domain.Event {
	positionID := lastSegment(u.Path)
	if positionID == "" {
		n.logger.Warn(ctx, "Dropping position close without a position ID", map[string]interface{}{"url": pair.URL})
		return nil
	}

	// A partial close carries the amount as a form field or query parameter;
	// absence means "close everything currently open".
	amount := pair.Form["amount"]
	if amount == "" {
		amount = u.Query().Get("amount")
	}
	return domain.CloseEvent{
		PositionID:      positionID,
		PartialQuantity: optionalDecimal(amount),
	}
}

type modifyResponse struct {
	Status string `json:"s"`
	ErrMsg string `json:"errmsg"`
}

func (n *Normalizer) normalizeModify(ctx context.Context, positionID string, pair InterceptedPair) domain.Event {
	if positionID == "" {
		n.logger.Warn(ctx, "Dropping position modify without a position ID", map[string]interface{}{"url": pair.URL})
		return nil
	}

	tpRaw, hasTP := pair.Form["takeProfit"]
	slRaw, hasSL := pair.Form["stopLoss"]
	if !hasTP && !hasSL {
		n.logger.Warn(ctx, "Rejecting position modify carrying neither level", map[string]interface{}{"positionID": positionID})
		return nil
	}

	// The signal venue may have rejected the modify itself; the engine then
	// records the rejection without calling the execution venue.
	var upstreamErr string
	if len(pair.ResponseBody) > 0 {
		var resp modifyResponse
		if err := json.Unmarshal(pair.ResponseBody, &resp); err == nil && resp.Status != "" && resp.Status != "ok" {
			upstreamErr = resp.ErrMsg
			if upstreamErr == "" {
				upstreamErr = fmt.Sprintf("signal venue rejected modify (status %s)", resp.Status)
			}
		}
	}

	return domain.ModifyEvent{
		PositionID:    positionID,
		TakeProfit:    optionalDecimal(tpRaw),
		StopLoss:      optionalDecimal(slRaw),
		HasTakeProfit: hasTP,
		HasStopLoss:   hasSL,
		UpstreamError: upstreamErr,
	}
}

// normalizeLevelDelete parses the {orderId}.{TP|SL}.{timestamp} segment.
func (n *Normalizer) normalizeLevelDelete(ctx context.Context, segment string) domain.Event {
	parts := strings.Split(segment, ".")
	if len(parts) < 3 {
		n.logger.Warn(ctx, "Dropping level delete with malformed segment", map[string]interface{}{"segment": segment})
		return nil
	}
	var level domain.StopLevel
	switch parts[1] {
	case "TP":
		level = domain.LevelTakeProfit
	case "SL":
		level = domain.LevelStopLoss
	default:
		n.logger.Warn(ctx, "Dropping level delete with unknown level", map[string]interface{}{"segment": segment})
		return nil
	}
	return domain.LevelDeleteEvent{
		PositionID: parts[0],
		Level:      level,
	}
}

func lastSegment(path string) string {
	path = strings.TrimSuffix(path, "/")
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

func hasAll(form map[string]string, keys ...string) bool {
	for _, k := range keys {
		if _, ok := form[k]; !ok {
			return false
		}
	}
	return true
}

// optionalDecimal parses a decimal field that may be absent or empty; any
// unparseable value is treated as absent.
func optionalDecimal(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Decimal{}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}
	}
	return d
}
