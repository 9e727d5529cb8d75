package data

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sawpanic/stratlab/internal/domain"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// LoadCSV reads candles from a CSV file; see ReadCSV for the format
func LoadCSV(path string) ([]domain.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open candle file: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV parses OHLCV rows with a header naming timestamp (or time/date),
// open, high, low, close and optionally volume, in any order. Timestamps
// may be RFC 3339, "2006-01-02 15:04:05", a date, or unix seconds or
// milliseconds. The series is validated before it is returned.
func ReadCSV(r io.Reader) ([]domain.Candle, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, domain.NewDataValidationError("candle file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	cols, err := columns(header)
	if err != nil {
		return nil, err
	}

	var candles []domain.Candle
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.NewDataValidationError("line %d: %v", line, err)
		}
		c, err := parseRow(rec, cols)
		if err != nil {
			return nil, domain.NewDataValidationError("line %d: %v", line, err)
		}
		candles = append(candles, c)
	}
	if err := domain.ValidateCandles(candles); err != nil {
		return nil, err
	}
	return candles, nil
}

type columnIndex struct {
	ts, open, high, low, close, volume int
}

func columns(header []string) (columnIndex, error) {
	idx := columnIndex{ts: -1, open: -1, high: -1, low: -1, close: -1, volume: -1}
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))) {
		case "timestamp", "time", "date", "datetime":
			idx.ts = i
		case "open", "o":
			idx.open = i
		case "high", "h":
			idx.high = i
		case "low", "l":
			idx.low = i
		case "close", "c":
			idx.close = i
		case "volume", "vol", "v":
			idx.volume = i
		}
	}
	if idx.ts < 0 || idx.open < 0 || idx.high < 0 || idx.low < 0 || idx.close < 0 {
		return idx, domain.NewDataValidationError("csv header %v must name timestamp, open, high, low and close", header)
	}
	return idx, nil
}

func parseRow(rec []string, cols columnIndex) (domain.Candle, error) {
	var c domain.Candle
	ts, err := ParseTimestamp(field(rec, cols.ts))
	if err != nil {
		return c, err
	}
	c.Timestamp = ts
	for _, f := range []struct {
		col  int
		dst  *float64
		name string
	}{
		{cols.open, &c.Open, "open"},
		{cols.high, &c.High, "high"},
		{cols.low, &c.Low, "low"},
		{cols.close, &c.Close, "close"},
		{cols.volume, &c.Volume, "volume"},
	} {
		if f.col < 0 {
			continue
		}
		v, err := strconv.ParseFloat(field(rec, f.col), 64)
		if err != nil {
			return c, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return c, nil
}

func field(rec []string, i int) string {
	if i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// ParseTimestamp accepts the layouts ReadCSV documents. Integers above
// 1e11 are taken as milliseconds.
func ParseTimestamp(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e11 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// WriteCandlesCSV writes candles in the format ReadCSV accepts
func WriteCandlesCSV(w io.Writer, candles []domain.Candle) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, c := range candles {
		err := cw.Write([]string{
			c.Timestamp.UTC().Format(time.RFC3339),
			formatF(c.Open), formatF(c.High), formatF(c.Low), formatF(c.Close), formatF(c.Volume),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTradesCSV writes a trade log
func WriteTradesCSV(w io.Writer, trades []domain.Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"side", "entry_time", "exit_time", "entry", "exit", "qty",
		"fees", "net_pnl", "return_pct", "exit_reason",
	}); err != nil {
		return err
	}
	for _, t := range trades {
		err := cw.Write([]string{
			string(t.Side), t.EntryTime.UTC().Format(time.RFC3339), t.ExitTime.UTC().Format(time.RFC3339),
			formatF(t.EntryPrice), formatF(t.ExitPrice), formatF(t.Quantity),
			formatF(t.Fees), formatF(t.PnL), formatF(t.ReturnPct), string(t.ExitReason),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatF(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
