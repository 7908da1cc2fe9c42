// Package feeds ingests job offers from RSS and Atom feeds.
package feeds

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/ignite/offermail/internal/domain"
	"github.com/ignite/offermail/internal/pkg/logger"
)

// OfferStore persists offers. Insert reports false for an already known
// source guid.
type OfferStore interface {
	Insert(ctx context.Context, o *domain.JobOffer) (bool, error)
}

// Source is one configured feed. Country fills offers that do not carry
// their own.
type Source struct {
	URL     string `yaml:"url"`
	Country string `yaml:"country"`
}

// Report summarizes one ingestion pass.
type Report struct {
	Feeds    int `json:"feeds"`
	Items    int `json:"items"`
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Ingester polls feeds and stores new offers.
type Ingester struct {
	store   OfferStore
	sources []Source
	parser  *gofeed.Parser
	timeout time.Duration
	log     *logger.Logger
	now     func() time.Time
}

// NewIngester builds an ingester. client may be nil.
func NewIngester(store OfferStore, sources []Source, client *http.Client, timeout time.Duration) *Ingester {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := gofeed.NewParser()
	if client != nil {
		p.Client = client
	}
	p.UserAgent = "offermail-feeds/1.0"
	return &Ingester{store: store, sources: sources, parser: p, timeout: timeout, log: logger.Named("feeds"), now: time.Now}
}

// Run polls every source once. A failing feed is logged and counted; the
// other feeds still run.
func (in *Ingester) Run(ctx context.Context) (*Report, error) {
	report := &Report{}
	for _, src := range in.sources {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Feeds++
		if err := in.poll(ctx, src, report); err != nil {
			in.log.Warn("feed poll failed", "url", src.URL, "error", err)
			report.Failed++
		}
	}
	in.log.Info("feeds ingested", "feeds", report.Feeds, "items", report.Items,
		"inserted", report.Inserted, "skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

func (in *Ingester) poll(ctx context.Context, src Source, report *Report) error {
	fctx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()
	feed, err := in.parser.ParseURLWithContext(src.URL, fctx)
	if err != nil {
		return fmt.Errorf("parse feed: %w", err)
	}
	for _, item := range feed.Items {
		report.Items++
		offer, ok := in.toOffer(item, src)
		if !ok {
			report.Skipped++
			continue
		}
		created, err := in.store.Insert(ctx, offer)
		if err != nil {
			return fmt.Errorf("store offer %s: %w", offer.SourceGUID, err)
		}
		if created {
			report.Inserted++
		} else {
			report.Skipped++
		}
	}
	return nil
}

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// toOffer maps a feed item. Items without a contact address or identity
// are dropped.
func (in *Ingester) toOffer(item *gofeed.Item, src Source) (*domain.JobOffer, bool) {
	guid := strings.TrimSpace(item.GUID)
	if guid == "" {
		guid = strings.TrimSpace(item.Link)
	}
	if guid == "" {
		return nil, false
	}

	email := custom(item, "email")
	if email == "" && item.Author != nil {
		email = item.Author.Email
	}
	if email == "" {
		email = emailPattern.FindString(item.Description + " " + item.Content)
	}
	email = domain.NormalizeEmail(email)
	if email == "" {
		return nil, false
	}

	location := custom(item, "location")
	city, country := custom(item, "city"), custom(item, "country")
	if city == "" && location != "" {
		city, _, _ = strings.Cut(location, ",")
		city = strings.TrimSpace(city)
	}
	if country == "" && location != "" {
		if i := strings.LastIndex(location, ","); i >= 0 {
			country = strings.TrimSpace(location[i+1:])
		}
	}
	if country == "" {
		country = src.Country
	}

	scraped := in.now().UTC()
	switch {
	case item.PublishedParsed != nil:
		scraped = item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		scraped = item.UpdatedParsed.UTC()
	}

	return &domain.JobOffer{
		Email:      email,
		Title:      strings.TrimSpace(item.Title),
		Location:   location,
		City:       city,
		Country:    country,
		SourceGUID: guid,
		Link:       item.Link,
		ScrapedAt:  scraped,
	}, true
}

func custom(item *gofeed.Item, key string) string {
	if item.Custom == nil {
		return ""
	}
	return strings.TrimSpace(item.Custom[key])
}
