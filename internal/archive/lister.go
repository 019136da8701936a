package archive

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"klinelake/internal/util"
)

type listBucketResult struct {
	IsTruncated    bool   `xml:"IsTruncated"`
	NextMarker     string `xml:"NextMarker"`
	CommonPrefixes []struct {
		Prefix string `xml:"Prefix"`
	} `xml:"CommonPrefixes"`
	Contents []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
}

// Lister enumerates bucket directories through the S3 XML listing API.
type Lister struct {
	prefix string
	client *http.Client
}

// NewLister creates a Lister for the listing endpoint prefix, e.g.
// https://s3-ap-northeast-1.amazonaws.com/data.binance.vision. proxy may be
// empty.
func NewLister(prefix, proxy string) (*Lister, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy %q: %w", proxy, err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &Lister{
		prefix: strings.TrimRight(prefix, "/"),
		client: &http.Client{Timeout: 30 * time.Second, Transport: transport},
	}, nil
}

// ListDir returns the sub-directories of dir, or its file keys when it has
// none, sorted. Truncated listings are followed through their markers.
func (l *Lister) ListDir(ctx context.Context, dir string) ([]string, error) {
	base := l.prefix + "?delimiter=/&prefix=" + url.QueryEscape(strings.TrimSuffix(dir, "/")+"/")

	var entries []string
	u := base
	for {
		var page listBucketResult
		err := util.Retry(ctx, 3, time.Second, func(int) error {
			var err error
			page, err = l.fetch(ctx, u)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", dir, err)
		}

		if len(page.CommonPrefixes) > 0 {
			for _, p := range page.CommonPrefixes {
				entries = append(entries, strings.TrimSuffix(p.Prefix, "/"))
			}
		} else {
			for _, c := range page.Contents {
				entries = append(entries, c.Key)
			}
		}

		if !page.IsTruncated || page.NextMarker == "" {
			break
		}
		u = base + "&marker=" + url.QueryEscape(page.NextMarker)
	}
	sort.Strings(entries)
	return entries, nil
}

// ListSymbols returns the symbol names under d.
func (l *Lister) ListSymbols(ctx context.Context, d Dir) ([]string, error) {
	dirs, err := l.ListDir(ctx, d.Base())
	if err != nil {
		return nil, err
	}
	symbols := make([]string, len(dirs))
	for i, p := range dirs {
		symbols[i] = path.Base(p)
	}
	return symbols, nil
}

// ListFiles returns the keys of the data files (.zip and .zip.CHECKSUM) of
// symbol under d.
func (l *Lister) ListFiles(ctx context.Context, d Dir, symbol string) ([]string, error) {
	return l.ListDir(ctx, d.Symbol(symbol))
}

func (l *Lister) fetch(ctx context.Context, u string) (listBucketResult, error) {
	var page listBucketResult
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return page, util.Permanent(err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return page, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return page, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := xml.NewDecoder(resp.Body).Decode(&page); err != nil {
		return page, fmt.Errorf("decoding listing: %w", err)
	}
	return page, nil
}
