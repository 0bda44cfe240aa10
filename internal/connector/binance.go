package connector

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ai-trading-engine/config"
	"ai-trading-engine/internal/model"
)

const (
	binanceBaseURL   = "https://api.binance.com"
	binanceWSBaseURL = "wss://stream.binance.com:9443"
	binanceTestURL   = "https://testnet.binance.vision"
	binanceTestWSURL = "wss://testnet.binance.vision"

	listenKeyKeepAlive = 30 * time.Minute
)

// BinanceConnector talks to Binance spot over signed REST for orders and
// gorilla websockets for fills and ticks. Streams end on connection loss;
// the engine restarts them.
type BinanceConnector struct {
	cfg        config.BinanceConfig
	mode       string
	logger     zerolog.Logger
	httpClient *http.Client
	limiter    *weightLimiter

	baseURL   string
	wsBaseURL string

	baseAssets map[string]string // symbol -> base asset, from exchangeInfo
}

func NewBinanceConnector(cfg config.BinanceConfig, mode string, logger zerolog.Logger) *BinanceConnector {
	baseURL := cfg.BaseURL
	wsBaseURL := cfg.WSBaseURL
	if baseURL == "" {
		baseURL = binanceBaseURL
		if cfg.TestNet {
			baseURL = binanceTestURL
		}
	}
	if wsBaseURL == "" {
		wsBaseURL = binanceWSBaseURL
		if cfg.TestNet {
			wsBaseURL = binanceTestWSURL
		}
	}
	return &BinanceConnector{
		cfg:        cfg,
		mode:       mode,
		logger:     logger.With().Str("component", "binance_connector").Logger(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    newWeightLimiter(1200),
		baseURL:    baseURL,
		wsBaseURL:  wsBaseURL,
		baseAssets: make(map[string]string),
	}
}

func (c *BinanceConnector) Venue() string { return model.VenueBinance }

// guardLive blocks order mutations unless the engine runs in live mode.
func (c *BinanceConnector) guardLive() error {
	if c.mode != config.ModeLive {
		return fatalErr(model.VenueBinance, CodePaperModeViolation,
			fmt.Sprintf("live order operation attempted in %s mode", c.mode), nil)
	}
	return nil
}

type binanceOrderResponse struct {
	Symbol        string          `json:"symbol"`
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	TransactTime  int64           `json:"transactTime"`
	Price         decimal.Decimal `json:"price"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	CumQuoteQty   decimal.Decimal `json:"cummulativeQuoteQty"`
	Status        string          `json:"status"`
	Side          string          `json:"side"`
}

func (c *BinanceConnector) SubmitOrder(ctx context.Context, order model.Order) (model.OrderAck, error) {
	if err := c.guardLive(); err != nil {
		return model.OrderAck{}, err
	}

	params := url.Values{}
	params.Set("symbol", order.Instrument)
	params.Set("side", string(order.Side))
	params.Set("type", string(order.Type))
	params.Set("quantity", order.Quantity.String())
	params.Set("newClientOrderId", order.ClientOrderID)
	params.Set("newOrderRespType", "RESULT")
	if order.Type == model.OrderTypeLimit {
		params.Set("price", order.Price.String())
		params.Set("timeInForce", "GTC")
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/api/v3/order", params, 1)
	if err != nil {
		return model.OrderAck{}, err
	}

	var resp binanceOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.OrderAck{}, fatalErr(model.VenueBinance, CodeVenueRejected, "failed to parse order response", err)
	}
	return model.OrderAck{
		VenueOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:       model.OrderStatus(resp.Status),
		FilledQty:    resp.ExecutedQty,
		Timestamp:    time.UnixMilli(resp.TransactTime).UTC(),
	}, nil
}

func (c *BinanceConnector) CancelOrder(ctx context.Context, instrument, clientOrderID string) error {
	if err := c.guardLive(); err != nil {
		return err
	}

	params := url.Values{}
	params.Set("symbol", instrument)
	params.Set("origClientOrderId", clientOrderID)

	_, err := c.signedRequest(ctx, http.MethodDelete, "/api/v3/order", params, 1)
	return err
}

type binanceOrderQuery struct {
	Symbol        string          `json:"symbol"`
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Price         decimal.Decimal `json:"price"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	CumQuoteQty   decimal.Decimal `json:"cummulativeQuoteQty"`
	Status        string          `json:"status"`
	Side          string          `json:"side"`
}

func (c *BinanceConnector) OrderStatus(ctx context.Context, instrument, clientOrderID string) (model.OrderStatusReport, error) {
	params := url.Values{}
	params.Set("symbol", instrument)
	params.Set("origClientOrderId", clientOrderID)

	body, err := c.signedRequest(ctx, http.MethodGet, "/api/v3/order", params, 4)
	if err != nil {
		var cerr *ConnectorError
		if errors.As(err, &cerr) && cerr.Code == CodeOrderNotFound {
			return model.OrderStatusReport{Exists: false}, nil
		}
		return model.OrderStatusReport{}, err
	}

	var resp binanceOrderQuery
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.OrderStatusReport{}, fatalErr(model.VenueBinance, CodeVenueRejected, "failed to parse order query", err)
	}
	report := model.OrderStatusReport{
		Exists:        true,
		ClientOrderID: resp.ClientOrderID,
		VenueOrderID:  strconv.FormatInt(resp.OrderID, 10),
		Status:        model.OrderStatus(resp.Status),
		FilledQty:     resp.ExecutedQty,
	}
	if resp.ExecutedQty.IsPositive() {
		report.AvgFillPrice = resp.CumQuoteQty.Div(resp.ExecutedQty)
	}
	return report, nil
}

type binanceAccount struct {
	Balances []struct {
		Asset  string          `json:"asset"`
		Free   decimal.Decimal `json:"free"`
		Locked decimal.Decimal `json:"locked"`
	} `json:"balances"`
}

// Position reports spot exposure as the base-asset balance of the
// instrument. Spot has no entry price, so AvgEntryPrice stays zero.
func (c *BinanceConnector) Position(ctx context.Context, instrument string) (model.Position, error) {
	base, err := c.baseAsset(ctx, instrument)
	if err != nil {
		return model.Position{}, err
	}

	body, err := c.signedRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, 20)
	if err != nil {
		return model.Position{}, err
	}
	var acct binanceAccount
	if err := json.Unmarshal(body, &acct); err != nil {
		return model.Position{}, fatalErr(model.VenueBinance, CodeVenueRejected, "failed to parse account", err)
	}

	pos := model.Position{Instrument: instrument}
	for _, bal := range acct.Balances {
		if bal.Asset == base {
			pos.NetQuantity = bal.Free.Add(bal.Locked)
			break
		}
	}
	return pos, nil
}

type binanceExchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Filters    []struct {
			FilterType  string          `json:"filterType"`
			MinQty      decimal.Decimal `json:"minQty"`
			MaxQty      decimal.Decimal `json:"maxQty"`
			StepSize    decimal.Decimal `json:"stepSize"`
			MinNotional decimal.Decimal `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// InstrumentRules fetches lot constraints from exchangeInfo for the given
// instruments. Called once at startup to feed the risk manager.
func (c *BinanceConnector) InstrumentRules(ctx context.Context, instruments []string) ([]model.InstrumentRule, error) {
	info, err := c.exchangeInfo(ctx)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(instruments))
	for _, ins := range instruments {
		wanted[ins] = true
	}

	var rules []model.InstrumentRule
	for _, sym := range info.Symbols {
		if !wanted[sym.Symbol] {
			continue
		}
		rule := model.InstrumentRule{Instrument: sym.Symbol}
		for _, f := range sym.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				rule.MinQty = f.MinQty
				rule.MaxQty = f.MaxQty
				rule.QtyStep = f.StepSize
			case "NOTIONAL", "MIN_NOTIONAL":
				rule.MinNotional = f.MinNotional
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (c *BinanceConnector) baseAsset(ctx context.Context, instrument string) (string, error) {
	if base, ok := c.baseAssets[instrument]; ok {
		return base, nil
	}
	info, err := c.exchangeInfo(ctx)
	if err != nil {
		return "", err
	}
	for _, sym := range info.Symbols {
		c.baseAssets[sym.Symbol] = sym.BaseAsset
	}
	base, ok := c.baseAssets[instrument]
	if !ok {
		return "", fatalErr(model.VenueBinance, CodeVenueRejected, fmt.Sprintf("unknown instrument %s", instrument), nil)
	}
	return base, nil
}

func (c *BinanceConnector) exchangeInfo(ctx context.Context) (*binanceExchangeInfo, error) {
	body, err := c.publicRequest(ctx, "/api/v3/exchangeInfo", url.Values{}, 20)
	if err != nil {
		return nil, err
	}
	var info binanceExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fatalErr(model.VenueBinance, CodeVenueRejected, "failed to parse exchange info", err)
	}
	return &info, nil
}

// signedRequest signs the query with HMAC-SHA256 over the exact encoded
// string that goes on the wire.
func (c *BinanceConnector) signedRequest(ctx context.Context, method, path string, params url.Values, weight int) ([]byte, error) {
	if err := c.limiter.wait(ctx, weight); err != nil {
		return nil, err
	}

	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()

	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, transientErr(model.VenueBinance, CodeTransport, "failed to create request", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(req)
}

func (c *BinanceConnector) publicRequest(ctx context.Context, path string, params url.Values, weight int) ([]byte, error) {
	if err := c.limiter.wait(ctx, weight); err != nil {
		return nil, err
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, transientErr(model.VenueBinance, CodeTransport, "failed to create request", err)
	}
	return c.do(req)
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *BinanceConnector) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transientErr(model.VenueBinance, CodeTransport, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transientErr(model.VenueBinance, CodeTransport, "failed to read response", err)
	}
	if resp.StatusCode == http.StatusOK {
		return body, nil
	}

	var apiErr binanceError
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
		c.limiter.penalize(time.Minute)
		return nil, transientErr(model.VenueBinance, CodeRateLimited, fmt.Sprintf("rate limited: %s", apiErr.Msg), nil)
	case resp.StatusCode >= 500:
		return nil, transientErr(model.VenueBinance, CodeVenueUnavailable, fmt.Sprintf("venue error %d: %s", resp.StatusCode, apiErr.Msg), nil)
	case apiErr.Code == -2013 || apiErr.Code == -2011:
		// Order does not exist / cancel rejected for unknown order.
		return nil, fatalErr(model.VenueBinance, CodeOrderNotFound, apiErr.Msg, nil)
	default:
		return nil, fatalErr(model.VenueBinance, CodeVenueRejected, fmt.Sprintf("venue rejected request (%d): %s", apiErr.Code, apiErr.Msg), nil)
	}
}

// binanceExecutionReport is the spot user-data order update.
type binanceExecutionReport struct {
	EventType       string          `json:"e"`
	EventTime       int64           `json:"E"`
	Symbol          string          `json:"s"`
	ClientOrderID   string          `json:"c"`
	OrigClientID    string          `json:"C"` // set on cancels
	Side            string          `json:"S"`
	ExecutionType   string          `json:"x"`
	OrderStatus     string          `json:"X"`
	OrderID         int64           `json:"i"`
	LastFilledQty   decimal.Decimal `json:"l"`
	CumFilledQty    decimal.Decimal `json:"z"`
	LastFilledPrice decimal.Decimal `json:"L"`
	Commission      decimal.Decimal `json:"n"`
	TradeTime       int64           `json:"T"`
}

// StreamFills opens the user data stream and forwards trade executions.
// The channel closes when the connection drops or ctx is canceled; the
// caller restarts with a fresh call.
func (c *BinanceConnector) StreamFills(ctx context.Context) (<-chan model.Fill, error) {
	listenKey, err := c.createListenKey(ctx)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBaseURL+"/ws/"+listenKey, nil)
	if err != nil {
		return nil, transientErr(model.VenueBinance, CodeTransport, "failed to dial user data stream", err)
	}

	out := make(chan model.Fill, 64)
	go c.keepAliveLoop(ctx, listenKey, conn)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn().Err(err).Msg("user data stream closed")
				}
				return
			}
			var report binanceExecutionReport
			if err := json.Unmarshal(raw, &report); err != nil || report.EventType != "executionReport" {
				continue
			}
			if report.ExecutionType != "TRADE" || !report.LastFilledQty.IsPositive() {
				continue
			}
			fill := model.Fill{
				OrderID:       strconv.FormatInt(report.OrderID, 10),
				ClientOrderID: report.ClientOrderID,
				Instrument:    report.Symbol,
				Side:          model.OrderSide(report.Side),
				Quantity:      report.LastFilledQty,
				Price:         report.LastFilledPrice,
				Fee:           report.Commission,
				Timestamp:     time.UnixMilli(report.TradeTime).UTC(),
				Final:         report.OrderStatus == string(model.OrderStatusFilled),
			}
			select {
			case out <- fill:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// keepAliveLoop extends the listen key until the stream context ends.
func (c *BinanceConnector) keepAliveLoop(ctx context.Context, listenKey string, conn *websocket.Conn) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			if err := c.pingListenKey(ctx, listenKey); err != nil {
				c.logger.Warn().Err(err).Msg("listen key keepalive failed")
			}
		}
	}
}

func (c *BinanceConnector) createListenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v3/userDataStream", nil)
	if err != nil {
		return "", transientErr(model.VenueBinance, CodeTransport, "failed to create request", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.ListenKey == "" {
		return "", transientErr(model.VenueBinance, CodeTransport, "failed to parse listen key", err)
	}
	return resp.ListenKey, nil
}

func (c *BinanceConnector) pingListenKey(ctx context.Context, listenKey string) error {
	endpoint := fmt.Sprintf("%s/api/v3/userDataStream?listenKey=%s", c.baseURL, url.QueryEscape(listenKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	_, err = c.do(req)
	return err
}

// binanceMiniTicker is one frame of the combined miniTicker stream.
type binanceMiniTicker struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol     string          `json:"s"`
		ClosePrice decimal.Decimal `json:"c"`
		EventTime  int64           `json:"E"`
	} `json:"data"`
}

// StreamTicks subscribes to the combined miniTicker stream for the given
// instruments.
func (c *BinanceConnector) StreamTicks(ctx context.Context, instruments []string) (<-chan model.Tick, error) {
	if len(instruments) == 0 {
		return nil, fatalErr(model.VenueBinance, CodeVenueRejected, "no instruments to stream", nil)
	}
	streams := make([]string, len(instruments))
	for i, ins := range instruments {
		streams[i] = strings.ToLower(ins) + "@miniTicker"
	}
	endpoint := c.wsBaseURL + "/stream?streams=" + strings.Join(streams, "/")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, transientErr(model.VenueBinance, CodeTransport, "failed to dial ticker stream", err)
	}

	out := make(chan model.Tick, 256)
	go func() {
		defer close(out)
		defer conn.Close()
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn().Err(err).Msg("ticker stream closed")
				}
				return
			}
			var frame binanceMiniTicker
			if err := json.Unmarshal(raw, &frame); err != nil || frame.Data.Symbol == "" {
				continue
			}
			tick := model.Tick{
				Instrument: frame.Data.Symbol,
				Price:      frame.Data.ClosePrice,
				At:         time.UnixMilli(frame.Data.EventTime).UTC(),
			}
			select {
			case out <- tick:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *BinanceConnector) Close() error { return nil }
