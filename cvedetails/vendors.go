package cvedetails

import (
	"context"
	"log"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/xerrors"

	"github.com/cvedash/cve-pipeline/types"
)

var indexChars = append(strings.Split("ABCDEFGHIJKLMNOPQRSTUVWXYZ", ""), "0-9")

// Vendors walks the whole A-Z vendor index. Slow; results are meant to be
// cached through the vendorindex package.
func (u *Updater) Vendors(ctx context.Context) ([]Vendor, error) {
	seen := make(map[string]struct{})
	var vendors []Vendor
	for _, c := range indexChars {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vs, err := u.VendorsByChar(ctx, c)
		if err != nil {
			log.Printf("vendor index page %q: %s", c, err)
			continue
		}
		for _, v := range vs {
			if _, ok := seen[v.ID]; ok {
				continue
			}
			seen[v.ID] = struct{}{}
			vendors = append(vendors, v)
		}
	}
	sort.Slice(vendors, func(i, j int) bool {
		return strings.ToLower(vendors[i].Name) < strings.ToLower(vendors[j].Name)
	})
	return vendors, nil
}

// VendorsByChar lists the vendors on one letter's index pages.
func (u *Updater) VendorsByChar(ctx context.Context, char string) ([]Vendor, error) {
	pageURL := u.baseURL + "/vendor/firstchar-" + char + "/"

	var vendors []Vendor
	for pageURL != "" {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := u.document(pageURL)
		if err != nil {
			return nil, err
		}

		links := doc.Find("a[href*='/vendor/']")
		if links.Length() == 0 {
			return nil, xerrors.Errorf("no vendor links on %s: %w", pageURL, types.ErrParseDrift)
		}
		links.Each(func(_ int, s *goquery.Selection) {
			href, ok := s.Attr("href")
			if !ok || !strings.HasSuffix(href, ".html") {
				return
			}
			id := vendorID(href)
			name := strings.TrimSpace(s.Text())
			if id == "" || name == "" {
				return
			}
			vendors = append(vendors, Vendor{ID: id, Name: name})
		})

		pageURL = u.nextPage(doc)
	}
	return vendors, nil
}

// vendorID extracts the numeric id from a link like /vendor/1305/Solarwinds.html.
func vendorID(href string) string {
	parts := strings.Split(href, "/")
	for i, part := range parts {
		if part != "vendor" || i+1 >= len(parts) {
			continue
		}
		id := parts[i+1]
		if id != "" && isDigits(id) {
			return id
		}
	}
	return ""
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
