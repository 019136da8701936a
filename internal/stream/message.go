package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"

	"klinelake/internal/domain"
)

// combinedMessage is the envelope of a combined stream.
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// klineEvent is a kline push. Every single-letter key of the payload is
// declared: encoding/json falls back to case-insensitive matching, so an
// undeclared "L" would land in "l".
type klineEvent struct {
	Type      string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     klinePayload `json:"k"`
}

type klinePayload struct {
	Start        int64  `json:"t"`
	End          int64  `json:"T"`
	Symbol       string `json:"s"`
	Interval     string `json:"i"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"L"`
	Open         string `json:"o"`
	Close        string `json:"c"`
	High         string `json:"h"`
	Low          string `json:"l"`
	Volume       string `json:"v"`
	Trades       int64  `json:"n"`
	Closed       bool   `json:"x"`
	QuoteVolume  string `json:"q"`
	TakerBase    string `json:"V"`
	TakerQuote   string `json:"Q"`
	Ignore       string `json:"B"`
}

// decodeMessage turns one websocket frame into an Event. ok is false for
// frames that are not closed kline events.
func decodeMessage(msgType int, data []byte) (Event, bool, error) {
	if msgType == websocket.BinaryMessage || isGzip(data) {
		plain, err := gunzip(data)
		if err != nil {
			return Event{}, false, err
		}
		data = plain
	}

	var env combinedMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, false, fmt.Errorf("decoding envelope: %w", err)
	}
	payload := env.Data
	if len(payload) == 0 {
		payload = data
	}

	var ev klineEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, false, fmt.Errorf("decoding kline event: %w", err)
	}
	if ev.Type != "kline" || !ev.Kline.Closed {
		return Event{}, false, nil
	}

	candle, err := ev.Kline.candle()
	if err != nil {
		return Event{}, false, fmt.Errorf("kline %s: %w", ev.Symbol, err)
	}
	return Event{Symbol: ev.Symbol, Interval: ev.Kline.Interval, Candle: candle}, true, nil
}

func (k klinePayload) candle() (domain.Candle, error) {
	c := domain.Candle{
		BeginTime:  time.UnixMilli(k.Start).UTC(),
		TradeCount: k.Trades,
	}
	fields := []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"o", k.Open, &c.Open},
		{"h", k.High, &c.High},
		{"l", k.Low, &c.Low},
		{"c", k.Close, &c.Close},
		{"v", k.Volume, &c.Volume},
		{"q", k.QuoteVolume, &c.QuoteVolume},
		{"V", k.TakerBase, &c.TakerBuyBaseVolume},
		{"Q", k.TakerQuote, &c.TakerBuyQuoteVolume},
	}
	for _, f := range fields {
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return c, fmt.Errorf("field %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return c, nil
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip frame: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
