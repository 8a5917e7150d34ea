package normalize_test

import (
	"errors"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvedash/cve-pipeline/cvedetails"
	"github.com/cvedash/cve-pipeline/normalize"
	"github.com/cvedash/cve-pipeline/nvd"
	"github.com/cvedash/cve-pipeline/types"
)

func TestScrape(t *testing.T) {
	tests := []struct {
		name    string
		row     cvedetails.Row
		want    types.Record
		wantErr string
	}{
		{
			name: "happy path",
			row: cvedetails.Row{
				CVEID:     "CVE-2024-10088",
				Product:   "Orion Platform",
				Summary:   "SQL injection in the reporting module.",
				Score:     "9.8",
				CWEID:     "CWE-89",
				Published: "2024-01-15",
				Updated:   "2024-02-01",
			},
			want: types.Record{
				ID:           "CVE-2024-10088",
				Published:    time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
				LastModified: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
				Score:        lo.ToPtr(9.8),
				CWEs:         []string{"CWE-89"},
				Description:  "SQL injection in the reporting module.",
				Products:     []string{"orion platform"},
				Provenance:   types.ProvenanceScrape,
			},
		},
		{
			name: "lowercase identifier is canonicalized",
			row: cvedetails.Row{
				CVEID: "cve-2023-0001",
			},
			want: types.Record{
				ID:         "CVE-2023-0001",
				Provenance: types.ProvenanceScrape,
			},
		},
		{
			name: "unscored row keeps a nil score",
			row: cvedetails.Row{
				CVEID: "CVE-2023-0002",
				Score: "-",
			},
			want: types.Record{
				ID:         "CVE-2023-0002",
				Provenance: types.ProvenanceScrape,
			},
		},
		{
			name: "n/a score keeps a nil score",
			row: cvedetails.Row{
				CVEID: "CVE-2023-0003",
				Score: "N/A",
			},
			want: types.Record{
				ID:         "CVE-2023-0003",
				Provenance: types.ProvenanceScrape,
			},
		},
		{
			name: "bare numeric weakness id is canonicalized",
			row: cvedetails.Row{
				CVEID: "CVE-2023-0004",
				CWEID: "79",
			},
			want: types.Record{
				ID:         "CVE-2023-0004",
				CWEs:       []string{"CWE-79"},
				Provenance: types.ProvenanceScrape,
			},
		},
		{
			name: "weakness placeholder is dropped",
			row: cvedetails.Row{
				CVEID: "CVE-2023-0005",
				CWEID: "NVD-CWE-noinfo",
			},
			want: types.Record{
				ID:         "CVE-2023-0005",
				Provenance: types.ProvenanceScrape,
			},
		},
		{
			name: "sad path, invalid identifier",
			row: cvedetails.Row{
				CVEID: "CVE-24-1",
			},
			wantErr: "invalid CVE-ID format",
		},
		{
			name: "sad path, score above range",
			row: cvedetails.Row{
				CVEID: "CVE-2023-0006",
				Score: "11.0",
			},
			wantErr: "out of range",
		},
		{
			name: "sad path, unparsable score",
			row: cvedetails.Row{
				CVEID: "CVE-2023-0007",
				Score: "critical",
			},
			wantErr: "unparsable severity score",
		},
		{
			name: "sad path, unparsable date",
			row: cvedetails.Row{
				CVEID:     "CVE-2023-0008",
				Published: "someday",
			},
			wantErr: "unparsable date",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalize.Scrape(tt.row)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.True(t, errors.Is(err, types.ErrMalformedRecord))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAPI(t *testing.T) {
	tests := []struct {
		name    string
		vuln    nvd.Vuln
		want    types.Record
		wantErr string
	}{
		{
			name: "happy path",
			vuln: nvd.Vuln{
				ID:           "CVE-2024-10088",
				Published:    "2024-01-15T10:00:00.000",
				LastModified: "2024-02-20T08:30:00.000",
				Descriptions: []nvd.LangString{
					{Lang: "es", Value: "inyección SQL"},
					{Lang: "en", Value: "SQL injection in the reporting module."},
				},
				Metrics: nvd.Metrics{
					CvssMetricV31: []nvd.CvssMetric{
						{CvssData: nvd.CvssData{
							VectorString: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H",
							BaseScore:    9.8,
						}},
					},
				},
				Weaknesses: []nvd.Weakness{
					{Description: []nvd.LangString{{Lang: "en", Value: "CWE-89"}}},
					{Description: []nvd.LangString{{Lang: "en", Value: "NVD-CWE-Other"}}},
				},
				References: []nvd.Reference{
					{URL: "https://example.com/advisory"},
					{URL: "https://example.com/advisory"},
					{URL: "https://example.com/patch"},
				},
				Configurations: []nvd.Configuration{
					{Nodes: []nvd.Node{{CpeMatch: []nvd.CpeMatch{
						{Criteria: "cpe:2.3:a:solarwinds:orion_platform:*:*:*:*:*:*:*:*"},
						{Criteria: "cpe:2.3:a:solarwinds:*:*:*:*:*:*:*:*:*"},
					}}}},
				},
			},
			want: types.Record{
				ID:            "CVE-2024-10088",
				Published:     time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
				LastModified:  time.Date(2024, 2, 20, 8, 30, 0, 0, time.UTC),
				Score:         lo.ToPtr(9.8),
				Vector:        "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H",
				VectorVersion: "3.x",
				CWEs:          []string{"CWE-89"},
				Description:   "SQL injection in the reporting module.",
				Products:      []string{"orion platform"},
				References:    []string{"https://example.com/advisory", "https://example.com/patch"},
				Provenance:    types.ProvenanceAPI,
			},
		},
		{
			name: "newest metric version wins",
			vuln: nvd.Vuln{
				ID: "CVE-2024-0002",
				Metrics: nvd.Metrics{
					CvssMetricV40: []nvd.CvssMetric{
						{CvssData: nvd.CvssData{
							VectorString: "CVSS:4.0/AV:N/AC:L/AT:N/PR:N/UI:N/VC:H/VI:H/VA:H/SC:N/SI:N/SA:N",
							BaseScore:    9.3,
						}},
					},
					CvssMetricV31: []nvd.CvssMetric{
						{CvssData: nvd.CvssData{
							VectorString: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H",
							BaseScore:    9.8,
						}},
					},
				},
			},
			want: types.Record{
				ID:            "CVE-2024-0002",
				Score:         lo.ToPtr(9.3),
				Vector:        "CVSS:4.0/AV:N/AC:L/AT:N/PR:N/UI:N/VC:H/VI:H/VA:H/SC:N/SI:N/SA:N",
				VectorVersion: "4.0",
				Provenance:    types.ProvenanceAPI,
			},
		},
		{
			name: "v2 vector without version prefix",
			vuln: nvd.Vuln{
				ID: "CVE-2010-0001",
				Metrics: nvd.Metrics{
					CvssMetricV2: []nvd.CvssMetric{
						{CvssData: nvd.CvssData{
							VectorString: "AV:N/AC:L/Au:N/C:P/I:P/A:P",
							BaseScore:    7.5,
						}},
					},
				},
			},
			want: types.Record{
				ID:            "CVE-2010-0001",
				Score:         lo.ToPtr(7.5),
				Vector:        "AV:N/AC:L/Au:N/C:P/I:P/A:P",
				VectorVersion: "2.0",
				Provenance:    types.ProvenanceAPI,
			},
		},
		{
			name: "malformed vector keeps the score",
			vuln: nvd.Vuln{
				ID: "CVE-2024-0003",
				Metrics: nvd.Metrics{
					CvssMetricV31: []nvd.CvssMetric{
						{CvssData: nvd.CvssData{
							VectorString: "CVSS:9.9/XX",
							BaseScore:    5.0,
						}},
					},
				},
			},
			want: types.Record{
				ID:         "CVE-2024-0003",
				Score:      lo.ToPtr(5.0),
				Provenance: types.ProvenanceAPI,
			},
		},
		{
			name: "sad path, score out of range",
			vuln: nvd.Vuln{
				ID: "CVE-2024-0004",
				Metrics: nvd.Metrics{
					CvssMetricV31: []nvd.CvssMetric{
						{CvssData: nvd.CvssData{BaseScore: 12.0}},
					},
				},
			},
			wantErr: "out of range",
		},
		{
			name: "sad path, invalid identifier",
			vuln: nvd.Vuln{
				ID: "GHSA-xxxx-yyyy",
			},
			wantErr: "invalid CVE-ID format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalize.API(tt.vuln)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.True(t, errors.Is(err, types.ErrMalformedRecord))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProductNamesConvergeAcrossSources(t *testing.T) {
	scraped, err := normalize.Scrape(cvedetails.Row{
		CVEID:   "CVE-2024-10088",
		Product: "Orion  Platform",
	})
	require.NoError(t, err)

	api, err := normalize.API(nvd.Vuln{
		ID: "CVE-2024-10088",
		Configurations: []nvd.Configuration{
			{Nodes: []nvd.Node{{CpeMatch: []nvd.CpeMatch{
				{Criteria: "cpe:2.3:a:solarwinds:orion_platform:*:*:*:*:*:*:*:*"},
			}}}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"orion platform"}, scraped.Products)
	assert.Equal(t, scraped.Products, api.Products)
}

func TestNormalizeDispatch(t *testing.T) {
	row := cvedetails.Row{CVEID: "CVE-2024-0001"}
	rec, err := normalize.Normalize(row)
	require.NoError(t, err)
	assert.Equal(t, types.ProvenanceScrape, rec.Provenance)

	vuln := nvd.Vuln{ID: "CVE-2024-0001"}
	rec, err = normalize.Normalize(vuln)
	require.NoError(t, err)
	assert.Equal(t, types.ProvenanceAPI, rec.Provenance)

	_, err = normalize.Normalize(unknownRaw{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrMalformedRecord))
}

type unknownRaw struct{}

func (unknownRaw) SourceKind() types.SourceKind { return "mystery" }
