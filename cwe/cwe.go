// Package cwe fetches the MITRE CWE catalog and builds the weakness id to
// name lookup used when exporting records.
package cwe

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"log"

	"golang.org/x/xerrors"

	"github.com/cvedash/cve-pipeline/utils"
)

const (
	cweURL = "https://cwe.mitre.org/data/xml/cwec_latest.xml.zip"
	retry  = 5
)

// Schema: https://cwe.mitre.org/data/xsd/cwe_schema_latest.xsd
type WeaknessCatalog struct {
	Weaknesses struct {
		Weakness []Weakness `xml:"Weakness"`
	} `xml:"Weaknesses"`
	Categories struct {
		Category []Weakness `xml:"Category"`
	} `xml:"Categories"`
}

type Weakness struct {
	ID   int    `xml:"ID,attr"`
	Name string `xml:"Name,attr"`
}

type options struct {
	url   string
	retry int
}

type option func(*options)

func WithURL(url string) option {
	return func(opts *options) { opts.url = url }
}

func WithRetry(retry int) option {
	return func(opts *options) { opts.retry = retry }
}

type Config struct {
	*options
}

func NewConfig(opts ...option) Config {
	o := &options{
		url:   cweURL,
		retry: retry,
	}
	for _, opt := range opts {
		opt(o)
	}
	return Config{options: o}
}

// FetchNames downloads the catalog and returns the "CWE-<n>" to name lookup,
// covering both weaknesses and categories.
func (c Config) FetchNames() (map[string]string, error) {
	log.Println("Fetching CWE data...")
	data, err := utils.FetchURL(c.url, "", c.retry)
	if err != nil {
		return nil, xerrors.Errorf("failed to fetch cwe data: %w", err)
	}

	b, err := unzip(data)
	if err != nil {
		return nil, err
	}

	var wc WeaknessCatalog
	if err := xml.Unmarshal(b, &wc); err != nil {
		return nil, xerrors.Errorf("unable to unmarshal CWE catalog: %w", err)
	}

	names := make(map[string]string, len(wc.Weaknesses.Weakness)+len(wc.Categories.Category))
	for _, w := range wc.Weaknesses.Weakness {
		names[fmt.Sprintf("CWE-%d", w.ID)] = w.Name
	}
	for _, cat := range wc.Categories.Category {
		names[fmt.Sprintf("CWE-%d", cat.ID)] = cat.Name
	}
	return names, nil
}

func unzip(data []byte) ([]byte, error) {
	zipReader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, xerrors.Errorf("unable to initialize zip: %w", err)
	}

	if len(zipReader.File) != 1 {
		return nil, xerrors.Errorf("invalid CWE zip: expected a single file in archive")
	}

	f, err := zipReader.File[0].Open()
	if err != nil {
		return nil, xerrors.Errorf("unable to read zip archive: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}
