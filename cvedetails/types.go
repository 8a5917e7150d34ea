package cvedetails

import "github.com/cvedash/cve-pipeline/types"

// Row is one CVE entry scraped from a product vulnerability-list page.
// cvedetails only exposes partial metadata; authoritative CVSS/CWE fields
// come from the API source.
type Row struct {
	CVEID     string
	Product   string
	Summary   string
	Score     string // raw cell text, empty when unscored
	CWEID     string
	Published string
	Updated   string
}

func (Row) SourceKind() types.SourceKind {
	return types.SourceScrape
}

// Vendor is one entry of the A-Z vendor index.
type Vendor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type product struct {
	name string
	url  string
}
