// Package fetch retrieves listing pages. One request is in flight per call;
// pacing and retries belong to the caller.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/cite-weaver/internal/storage"
)

// Result is the outcome of a single page retrieval.
type Result struct {
	URL      string
	FinalURL string
	Status   int
	Body     []byte
	Outcome  storage.Outcome
	Err      error
}

// Options configures a Client.
type Options struct {
	UserAgent      string
	RequestTimeout time.Duration
	Logger         *logrus.Entry
}

// Client fetches pages with colly. Cookies persist across fetches so the
// remote source sees one consistent visitor.
type Client struct {
	opts Options
	jar  http.CookieJar
	log  *logrus.Entry
}

// NewClient creates a fetch client.
func NewClient(opts Options) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		opts: opts,
		jar:  jar,
		log:  log.WithField("component", "fetch"),
	}, nil
}

// newCollector builds a collector bound to the context of one fetch.
func (c *Client) newCollector(ctx context.Context) *colly.Collector {
	opts := []colly.CollectorOption{
		colly.AllowURLRevisit(),
		colly.StdlibContext(ctx),
	}
	if c.opts.UserAgent != "" {
		opts = append(opts, colly.UserAgent(c.opts.UserAgent))
	}
	collector := colly.NewCollector(opts...)
	if c.opts.RequestTimeout > 0 {
		collector.SetRequestTimeout(c.opts.RequestTimeout)
	}
	collector.SetCookieJar(c.jar)
	// Throttle and challenge pages arrive with error statuses; keep their bodies.
	collector.ParseHTTPErrorResponse = true
	return collector
}

// Fetch retrieves url and classifies the outcome. It never returns a nil
// result; transport failures surface as OutcomeNetworkError with Err set.
func (c *Client) Fetch(ctx context.Context, url string) Result {
	res := Result{URL: url, FinalURL: url}
	collector := c.newCollector(ctx)

	// Handle successful response
	collector.OnResponse(func(r *colly.Response) {
		res.Status = r.StatusCode
		res.Body = r.Body
		if r.Request != nil && r.Request.URL != nil {
			res.FinalURL = r.Request.URL.String()
		}
	})

	// Handle transport errors
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			if r.StatusCode != 0 {
				res.Status = r.StatusCode
			}
			if len(r.Body) > 0 {
				res.Body = r.Body
			}
			if r.Request != nil && r.Request.URL != nil {
				res.FinalURL = r.Request.URL.String()
			}
		}
		res.Err = err
	})

	if err := collector.Visit(url); err != nil && res.Err == nil {
		res.Err = err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && res.Status == 0 {
		res.Err = ctxErr
	}

	res.Outcome = Classify(res.Status, res.Body, res.FinalURL, res.Err)
	entry := c.log.WithFields(logrus.Fields{"url": url, "status": res.Status, "outcome": res.Outcome})
	if res.Err != nil && !errors.Is(res.Err, context.Canceled) {
		entry.WithError(res.Err).Warn("Fetch failed")
	} else {
		entry.Debug("Fetched listing")
	}
	return res
}
