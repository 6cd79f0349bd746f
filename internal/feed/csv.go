package feed

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/sawpanic/stormwatch/internal/features"
)

// CSVFeed replays a feature table from disk, one vector per row. Used by
// the replay command to walk historical features through the engine.
type CSVFeed struct {
	out  chan features.FeatureVector
	stop chan struct{}
	err  error
	done chan struct{}
}

// OpenCSV starts streaming the file. Columns are matched by header name;
// unknown columns are ignored and missing numeric columns read as zero.
func OpenCSV(path string) (*CSVFeed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open features: %w", err)
	}
	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read features header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[name] = i
	}
	if _, ok := cols["ts"]; !ok {
		f.Close()
		return nil, fmt.Errorf("features file missing ts column")
	}
	if _, ok := cols["symbol"]; !ok {
		f.Close()
		return nil, fmt.Errorf("features file missing symbol column")
	}

	feed := &CSVFeed{
		out:  make(chan features.FeatureVector, 256),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go feed.pump(f, r, cols)
	return feed, nil
}

func (c *CSVFeed) pump(f *os.File, r *csv.Reader, cols map[string]int) {
	// done closes before out, so a drained reader always observes Err.
	defer close(c.out)
	defer close(c.done)
	defer f.Close()

	line := 1
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		record, err := r.Read()
		if err == io.EOF {
			return
		}
		line++
		if err != nil {
			c.err = fmt.Errorf("features line %d: %w", line, err)
			return
		}
		v, err := parseRow(record, cols)
		if err != nil {
			c.err = fmt.Errorf("features line %d: %w", line, err)
			return
		}
		select {
		case c.out <- v:
		case <-c.stop:
			return
		}
	}
}

func parseRow(record []string, cols map[string]int) (features.FeatureVector, error) {
	field := func(name string) string {
		if i, ok := cols[name]; ok && i < len(record) {
			return record[i]
		}
		return ""
	}
	num := func(name string) float64 {
		s := field(name)
		if s == "" {
			return 0
		}
		x, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return x
	}
	boolean := func(name string, dflt bool) bool {
		s := field(name)
		if s == "" {
			return dflt
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return dflt
		}
		return b
	}

	ts, err := time.Parse(time.RFC3339, field("ts"))
	if err != nil {
		return features.FeatureVector{}, fmt.Errorf("bad ts %q: %w", field("ts"), err)
	}
	return features.FeatureVector{
		TS:               ts,
		Symbol:           field("symbol"),
		BasisNow:         num("basis_now"),
		DBasis5m:         num("dbasis_5m"),
		DBasis15m:        num("dbasis_15m"),
		FundingSlope30m:  num("funding_slope_30m"),
		FundingSlope60m:  num("funding_slope_60m"),
		FundingSlope90m:  num("funding_slope_90m"),
		FundingPctile30d: num("funding_pctile_30d"),
		DOI1h:            num("doi_1h"),
		DOI4h:            num("doi_4h"),
		CVDPerp15m:       num("cvd_perp_15m"),
		CVDSpot15m:       num("cvd_spot_15m"),
		CVDDiff15m:       num("cvd_diff_15m"),
		PerpShare60m:     num("perp_share_60m"),
		DPerpShare60:     num("dperp_share_60m"),
		SpreadBps:        num("spread_bps"),
		DepthRatio:       num("depth_ratio"),
		RV15m:            num("rv_15m"),
		LiqLong15m:       num("liq_long_15m"),
		LiqShort15:       num("liq_short_15m"),
		DataOK:           boolean("data_ok", true),
		IndexDeviation:   boolean("index_deviation_flag", false),
	}, nil
}

func (c *CSVFeed) Vectors() <-chan features.FeatureVector {
	return c.out
}

func (c *CSVFeed) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *CSVFeed) Close() error {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
	return nil
}
