package cvedetails

import (
	"bytes"
	"context"
	"log"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cheggaaa/pb/v3"
	"golang.org/x/xerrors"

	"github.com/cvedash/cve-pipeline/types"
	"github.com/cvedash/cve-pipeline/utils"
)

const (
	catalogURL = "https://www.cvedetails.com"
	retry      = 3
)

type options struct {
	baseURL  string
	retry    int
	resolver func(ctx context.Context, name string) (Vendor, error)
}

type option func(*options)

func WithBaseURL(baseURL string) option {
	return func(opts *options) { opts.baseURL = baseURL }
}

func WithRetry(retry int) option {
	return func(opts *options) { opts.retry = retry }
}

// WithVendorResolver overrides vendor name to catalog id resolution. The
// default scrapes the index page for the vendor's first letter; callers with
// a cached vendor index inject a lookup into it instead.
func WithVendorResolver(resolver func(ctx context.Context, name string) (Vendor, error)) option {
	return func(opts *options) { opts.resolver = resolver }
}

type Updater struct {
	*options
}

func NewUpdater(opts ...option) *Updater {
	o := &options{
		baseURL: catalogURL,
		retry:   retry,
	}
	for _, opt := range opts {
		opt(o)
	}
	u := &Updater{options: o}
	if u.resolver == nil {
		u.resolver = u.LookupVendor
	}
	return u
}

func (u *Updater) Name() string {
	return "cvedetails"
}

// SupportsIncrementalFetch is false: the catalog cannot filter by
// modification date server-side, so every fetch walks the full vendor scope
// and the caller filters client-side.
func (u *Updater) SupportsIncrementalFetch() bool {
	return false
}

// Fetch walks every product of the vendor scope and passes each CVE row to
// yield. Rows are produced page by page so a caller can persist progress as
// it goes; a failed page restarts from its own index on retry, not from the
// beginning of the product.
func (u *Updater) Fetch(ctx context.Context, scope string, _ time.Time, yield func(types.RawRecord) error) error {
	vendor, err := u.resolver(ctx, scope)
	if err != nil {
		return xerrors.Errorf("unable to resolve vendor %q: %w", scope, err)
	}

	products, err := u.products(ctx, vendor)
	if err != nil {
		return xerrors.Errorf("unable to list products for %q: %w", scope, err)
	}
	log.Printf("Fetching cvedetails rows for %d %s products...", len(products), scope)

	bar := pb.StartNew(len(products))
	defer bar.Finish()
	for _, p := range products {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.productRows(ctx, p, yield); err != nil {
			return xerrors.Errorf("product %q: %w", p.name, err)
		}
		bar.Increment()
	}
	return nil
}

// products collects the product list pages of a vendor, following pagination.
func (u *Updater) products(ctx context.Context, vendor Vendor) ([]product, error) {
	pageURL := u.baseURL + "/product-list/vendor_id-" + vendor.ID + "/" + productSlug(vendor.Name) + ".html"

	seen := make(map[string]struct{})
	var products []product
	for pageURL != "" {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := u.document(pageURL)
		if err != nil {
			return nil, err
		}

		links := doc.Find("a[href*='/vulnerability-list/vendor_id-']")
		if links.Length() == 0 {
			return nil, xerrors.Errorf("no product links on %s: %w", pageURL, types.ErrParseDrift)
		}
		links.Each(func(_ int, s *goquery.Selection) {
			href, ok := s.Attr("href")
			if !ok || !strings.Contains(href, "product_id-") {
				return
			}
			if _, ok := seen[href]; ok {
				return
			}
			seen[href] = struct{}{}
			products = append(products, product{
				name: nameFromSlug(href),
				url:  u.absoluteURL(href),
			})
		})

		pageURL = u.nextPage(doc)
	}
	return products, nil
}

// productRows parses the vulnerability-list pages of one product.
func (u *Updater) productRows(ctx context.Context, p product, yield func(types.RawRecord) error) error {
	pageURL := p.url
	for pageURL != "" {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc, err := u.document(pageURL)
		if err != nil {
			return err
		}

		results := doc.Find("#searchresults")
		if results.Length() == 0 {
			return xerrors.Errorf("no search results container on %s: %w", pageURL, types.ErrParseDrift)
		}

		var yieldErr error
		results.Find("div[data-tsvfield='cveinfo']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			row := Row{
				CVEID:     utils.TrimSpaceNewline(s.Find("h3 a").Text()),
				Product:   p.name,
				Summary:   utils.TrimSpaceNewline(s.Find("div[data-tsvfield='summary']").Text()),
				Score:     utils.TrimSpaceNewline(s.Find("div[data-tsvfield='cvssScore']").Text()),
				CWEID:     utils.TrimSpaceNewline(s.Find("div[data-tsvfield='cweId']").Text()),
				Published: utils.TrimSpaceNewline(s.Find("div[data-tsvfield='publishDate']").Text()),
				Updated:   utils.TrimSpaceNewline(s.Find("div[data-tsvfield='updateDate']").Text()),
			}
			if !strings.HasPrefix(row.CVEID, "CVE-") {
				return true
			}
			if err := yield(row); err != nil {
				yieldErr = err
				return false
			}
			return true
		})
		if yieldErr != nil {
			return yieldErr
		}

		pageURL = u.nextPage(doc)
	}
	return nil
}

func (u *Updater) document(url string) (*goquery.Document, error) {
	body, err := utils.FetchURL(url, "", u.retry)
	if err != nil {
		return nil, xerrors.Errorf("failed to fetch %s: %w", url, types.ErrSourceUnavailable)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Errorf("failed to parse %s: %w", url, err)
	}
	return doc, nil
}

func (u *Updater) nextPage(doc *goquery.Document) string {
	href, ok := doc.Find("a[title='Next page']").First().Attr("href")
	if !ok {
		return ""
	}
	return u.absoluteURL(href)
}

func (u *Updater) absoluteURL(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return u.baseURL + href
}

// LookupVendor scans the index page for the vendor's first letter. Replaced
// by a cached-index resolver in normal operation.
func (u *Updater) LookupVendor(ctx context.Context, name string) (Vendor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Vendor{}, xerrors.New("empty vendor name")
	}

	vendors, err := u.VendorsByChar(ctx, firstChar(name))
	if err != nil {
		return Vendor{}, err
	}
	for _, v := range vendors {
		if strings.EqualFold(v.Name, name) {
			return v, nil
		}
	}
	return Vendor{}, xerrors.Errorf("vendor %q not found in catalog index", name)
}

// productSlug turns "Acme Corp" into the "Acme-Corp" form the catalog URLs use.
func productSlug(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "-")
}

// nameFromSlug recovers a readable product name from a link such as
// /vulnerability-list/vendor_id-1305/product_id-64841/Acme-Gateway.html.
func nameFromSlug(href string) string {
	trimmed := strings.TrimSuffix(href, ".html")
	parts := strings.Split(trimmed, "/")
	slug := parts[len(parts)-1]
	return strings.Title(strings.ToLower(strings.ReplaceAll(slug, "-", " ")))
}

func firstChar(name string) string {
	c := strings.ToUpper(name[:1])
	if c < "A" || c > "Z" {
		return "0-9"
	}
	return c
}
