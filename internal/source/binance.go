package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"klinelake/internal/domain"
	"klinelake/internal/util"
)

// Compile-time interface check.
var _ MarketDataSource = (*Client)(nil)

// WeightHeader carries the weight used in the current minute.
const WeightHeader = "X-MBX-USED-WEIGHT-1M"

// ClientOpts configures a Client.
type ClientOpts struct {
	TradeType      domain.TradeType
	BaseURL        string        // overrides the profile host, e.g. for tests
	Timeout        time.Duration // total timeout of one HTTP call
	RequestsPerMin int           // client-side pacing; 0 disables
	HTTPClient     *http.Client
}

// Client is the Binance REST MarketDataSource for one trade type.
type Client struct {
	profile domain.Profile
	baseURL string
	http    *http.Client
	limiter *util.RateLimiter
}

// NewClient creates a Client for opts.TradeType.
func NewClient(opts ClientOpts) (*Client, error) {
	profile := opts.TradeType.Profile()
	if profile.Type == "" {
		return nil, fmt.Errorf("unknown trade type %q", opts.TradeType)
	}
	base := opts.BaseURL
	if base == "" {
		base = profile.RESTBase
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		profile: profile,
		baseURL: strings.TrimRight(base, "/"),
		http:    hc,
		limiter: util.NewRateLimiter(opts.RequestsPerMin),
	}, nil
}

// Profile returns the trade-type constants of this source.
func (c *Client) Profile() domain.Profile { return c.profile }

// ---------------------------------------------------------------------------
// Endpoints
// ---------------------------------------------------------------------------

// TimeAndWeight queries /time and reads the used weight header.
func (c *Client) TimeAndWeight(ctx context.Context) (time.Time, int, error) {
	var body struct {
		ServerTime int64 `json:"serverTime"`
	}
	header, err := c.get(ctx, "/time", nil, &body)
	if err != nil {
		return time.Time{}, 0, err
	}
	weight, err := strconv.Atoi(header.Get(WeightHeader))
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("parsing %s header %q: %w", WeightHeader, header.Get(WeightHeader), err)
	}
	return time.UnixMilli(body.ServerTime).UTC(), weight, nil
}

// Klines queries /klines.
func (c *Client) Klines(ctx context.Context, symbol string, interval domain.Interval, q KlineQuery) ([]domain.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval.String())
	if !q.Start.IsZero() {
		params.Set("startTime", strconv.FormatInt(q.Start.UnixMilli(), 10))
	}
	if !q.End.IsZero() {
		params.Set("endTime", strconv.FormatInt(q.End.UnixMilli(), 10))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var rows [][]any
	if _, err := c.get(ctx, "/klines", params, &rows); err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, interval, err)
	}

	candles := make([]domain.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := ParseKlineRow(row)
		if err != nil {
			return nil, fmt.Errorf("klines %s row %d: %w", symbol, i, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// ExchangeInfo queries /exchangeInfo and validates every entry. Entries
// missing a required field are rejected with an error.
func (c *Client) ExchangeInfo(ctx context.Context) ([]SymbolInfo, error) {
	var body struct {
		Symbols []struct {
			Symbol         string `json:"symbol"`
			Status         string `json:"status"`
			ContractStatus string `json:"contractStatus"` // coin-margined futures
			BaseAsset      string `json:"baseAsset"`
			QuoteAsset     string `json:"quoteAsset"`
			ContractType   string `json:"contractType"`
		} `json:"symbols"`
	}
	if _, err := c.get(ctx, "/exchangeInfo", nil, &body); err != nil {
		return nil, fmt.Errorf("exchangeInfo: %w", err)
	}

	infos := make([]SymbolInfo, 0, len(body.Symbols))
	for i, s := range body.Symbols {
		status := s.Status
		if c.profile.Type == domain.CMFutures && s.ContractStatus != "" {
			status = s.ContractStatus
		}
		info := SymbolInfo{
			Symbol:     s.Symbol,
			Status:     status,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
		}
		if c.profile.Type != domain.Spot {
			info.ContractType = s.ContractType
		}
		if info.Symbol == "" || info.Status == "" || info.QuoteAsset == "" {
			return nil, fmt.Errorf("exchangeInfo entry %d (%q): missing required field", i, s.Symbol)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// FundingRates queries /fundingRate. Spot has no funding.
func (c *Client) FundingRates(ctx context.Context, symbol string, start time.Time, limit int) ([]domain.FundingRecord, error) {
	if !c.profile.HasFunding {
		return nil, fmt.Errorf("funding rates for %s: %w", c.profile.Type, ErrUnsupported)
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	if !start.IsZero() {
		params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var rows []struct {
		FundingTime int64  `json:"fundingTime"`
		FundingRate string `json:"fundingRate"`
	}
	if _, err := c.get(ctx, "/fundingRate", params, &rows); err != nil {
		return nil, fmt.Errorf("fundingRate %s: %w", symbol, err)
	}

	records := make([]domain.FundingRecord, 0, len(rows))
	for _, r := range rows {
		rate, err := strconv.ParseFloat(r.FundingRate, 64)
		if err != nil {
			return nil, fmt.Errorf("fundingRate %s: parsing rate %q: %w", symbol, r.FundingRate, err)
		}
		records = append(records, domain.NewFundingRecord(time.UnixMilli(r.FundingTime), rate))
	}
	return records, nil
}

// ---------------------------------------------------------------------------
// HTTP plumbing
// ---------------------------------------------------------------------------

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := c.baseURL + c.profile.RESTPrefix + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s body: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Msg == "" {
			apiErr.Msg = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return resp.Header, nil
}

// ParseKlineRow converts one klines row
//
//	[openTime, open, high, low, close, volume, closeTime, quoteVolume,
//	 trades, takerBuyBase, takerBuyQuote, ignore]
//
// into a Candle. Numbers may be JSON numbers or strings.
func ParseKlineRow(row []any) (domain.Candle, error) {
	if len(row) < 11 {
		return domain.Candle{}, fmt.Errorf("kline row has %d fields, want at least 11", len(row))
	}
	var (
		c   domain.Candle
		err error
		ms  int64
	)
	if ms, err = toInt(row[0]); err != nil {
		return c, fmt.Errorf("open time: %w", err)
	}
	c.BeginTime = time.UnixMilli(ms).UTC()

	floats := []struct {
		idx int
		dst *float64
	}{
		{1, &c.Open}, {2, &c.High}, {3, &c.Low}, {4, &c.Close}, {5, &c.Volume},
		{7, &c.QuoteVolume}, {9, &c.TakerBuyBaseVolume}, {10, &c.TakerBuyQuoteVolume},
	}
	for _, f := range floats {
		if *f.dst, err = toFloat(row[f.idx]); err != nil {
			return c, fmt.Errorf("field %d: %w", f.idx, err)
		}
	}
	if c.TradeCount, err = toInt(row[8]); err != nil {
		return c, fmt.Errorf("trade count: %w", err)
	}
	return c, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case string:
		return strconv.ParseFloat(x, 64)
	case json.Number:
		return x.Float64()
	case float64:
		return x, nil
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case string:
		return strconv.ParseInt(x, 10, 64)
	case json.Number:
		return x.Int64()
	case float64:
		return int64(x), nil
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}
