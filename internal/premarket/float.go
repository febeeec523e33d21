package premarket

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"momo-bot/internal/config"
)

// FloatSource provides optional float-shares data (symbol → shares in the
// public float) for score weighting. A local file takes precedence; a URL
// is fetched once per scan when no file is available. Missing data is
// never an error — symbols simply score with a neutral float factor.
type FloatSource struct {
	file   string
	url    string
	http   *resty.Client
	logger *slog.Logger
}

// NewFloatSource builds the source from config. Both file and URL may be
// empty.
func NewFloatSource(cfg config.PremarketConfig, logger *slog.Logger) FloatSource {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return FloatSource{
		file:   cfg.FloatDataFile,
		url:    cfg.FloatDataURL,
		http:   client,
		logger: logger.With("component", "float_data"),
	}
}

// Load returns whatever float data is reachable, keyed by upper-case
// symbol. The map may be empty.
func (f FloatSource) Load(ctx context.Context) map[string]float64 {
	if f.file != "" {
		if data := f.loadFile(); len(data) > 0 {
			return data
		}
	}
	if f.url != "" {
		return f.fetchURL(ctx)
	}
	return nil
}

func (f FloatSource) loadFile() map[string]float64 {
	raw, err := os.ReadFile(f.file)
	if err != nil {
		if !os.IsNotExist(err) {
			f.logger.Warn("float data file unreadable", "path", f.file, "error", err)
		}
		return nil
	}
	var data map[string]float64
	if err := json.Unmarshal(raw, &data); err != nil {
		f.logger.Warn("float data file malformed", "path", f.file, "error", err)
		return nil
	}
	return normalize(data)
}

func (f FloatSource) fetchURL(ctx context.Context) map[string]float64 {
	var data map[string]float64
	resp, err := f.http.R().
		SetContext(ctx).
		SetResult(&data).
		Get(f.url)
	if err != nil {
		f.logger.Warn("float data fetch failed", "url", f.url, "error", err)
		return nil
	}
	if resp.StatusCode() != 200 {
		f.logger.Warn("float data fetch failed", "url", f.url, "status", resp.StatusCode())
		return nil
	}
	return normalize(data)
}

func normalize(data map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(data))
	for sym, shares := range data {
		if shares > 0 {
			out[strings.ToUpper(strings.TrimSpace(sym))] = shares
		}
	}
	return out
}
