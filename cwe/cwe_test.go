package cwe

import (
	"archive/zip"
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogXML = `<?xml version="1.0" encoding="UTF-8"?>
<Weakness_Catalog Name="CWE" Version="4.14">
  <Weaknesses>
    <Weakness ID="89" Name="Improper Neutralization of Special Elements used in an SQL Command ('SQL Injection')" Abstraction="Base" Structure="Simple" Status="Stable"/>
    <Weakness ID="79" Name="Improper Neutralization of Input During Web Page Generation ('Cross-site Scripting')" Abstraction="Base" Structure="Simple" Status="Stable"/>
  </Weaknesses>
  <Categories>
    <Category ID="1005" Name="7PK - Input Validation and Representation" Status="Obsolete"/>
  </Categories>
</Weakness_Catalog>
`

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := zw.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestFetchNames(t *testing.T) {
	tests := []struct {
		name    string
		body    []byte
		want    map[string]string
		wantErr string
	}{
		{
			name: "happy path",
			body: nil, // filled in below, needs t
			want: map[string]string{
				"CWE-89":   "Improper Neutralization of Special Elements used in an SQL Command ('SQL Injection')",
				"CWE-79":   "Improper Neutralization of Input During Web Page Generation ('Cross-site Scripting')",
				"CWE-1005": "7PK - Input Validation and Representation",
			},
		},
		{
			name:    "sad path, not a zip",
			body:    []byte("plain text"),
			wantErr: "unable to initialize zip",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.body
			if body == nil {
				body = zipBytes(t, map[string]string{"cwec_v4.14.xml": catalogXML})
			}
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write(body)
			}))
			defer ts.Close()

			c := NewConfig(WithURL(ts.URL), WithRetry(0))
			names, err := c.FetchNames()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestFetchNamesTooManyFiles(t *testing.T) {
	body := zipBytes(t, map[string]string{
		"cwec_v4.14.xml": catalogXML,
		"README.txt":     "extra",
	})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer ts.Close()

	_, err := NewConfig(WithURL(ts.URL), WithRetry(0)).FetchNames()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected a single file")
}

func TestFetchNamesCorruptXML(t *testing.T) {
	body := zipBytes(t, map[string]string{"cwec_v4.14.xml": "<Weakness_Catalog><unclosed"})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer ts.Close()

	_, err := NewConfig(WithURL(ts.URL), WithRetry(0)).FetchNames()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to unmarshal CWE catalog")
}
