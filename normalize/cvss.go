package normalize

import (
	"regexp"
	"strings"

	"golang.org/x/xerrors"
)

// v2 vectors carry no version prefix; they are recognized by their metric set.
var (
	v2MetricKeys = map[string]struct{}{
		"AV": {}, "AC": {}, "Au": {}, "C": {}, "I": {}, "A": {},
		"E": {}, "RL": {}, "RC": {},
		"CDP": {}, "TD": {}, "CR": {}, "IR": {}, "AR": {},
	}
	metricPairRegexp = regexp.MustCompile(`^[A-Za-z]{1,3}:[A-Za-z.]{1,4}$`)
	cweRegexp        = regexp.MustCompile(`(?i)^(?:CWE[-\s]?)?(\d+)$`)
)

// ParseVector classifies a CVSS vector string into its version tag:
// "2.0", "3.x" or "4.0". Malformed vectors return an error; callers keep the
// score and drop the vector rather than failing the record.
func ParseVector(vector string) (string, error) {
	vector = strings.TrimSpace(vector)
	if vector == "" {
		return "", xerrors.New("empty vector string")
	}

	switch {
	case strings.HasPrefix(vector, "CVSS:4.0/"):
		if err := checkPairs(strings.TrimPrefix(vector, "CVSS:4.0/")); err != nil {
			return "", err
		}
		return "4.0", nil
	case strings.HasPrefix(vector, "CVSS:3.1/"), strings.HasPrefix(vector, "CVSS:3.0/"):
		if err := checkPairs(vector[len("CVSS:3.1/"):]); err != nil {
			return "", err
		}
		return "3.x", nil
	case strings.HasPrefix(vector, "CVSS:"):
		return "", xerrors.Errorf("unknown CVSS version in vector %q", vector)
	}

	// bare metric list: candidate v2 vector like AV:N/AC:L/Au:N/C:P/I:P/A:P
	pairs := strings.Split(strings.Trim(vector, "()"), "/")
	for _, pair := range pairs {
		key, _, found := strings.Cut(pair, ":")
		if !found {
			return "", xerrors.Errorf("malformed vector segment %q", pair)
		}
		if _, ok := v2MetricKeys[key]; !ok {
			return "", xerrors.Errorf("unknown v2 metric %q in vector %q", key, vector)
		}
	}
	return "2.0", nil
}

func checkPairs(metrics string) error {
	if metrics == "" {
		return xerrors.New("vector has no metrics")
	}
	for _, pair := range strings.Split(metrics, "/") {
		if !metricPairRegexp.MatchString(pair) {
			return xerrors.Errorf("malformed vector segment %q", pair)
		}
	}
	return nil
}

// CanonicalCWE normalizes weakness identifiers to the "CWE-<n>" form.
// Non-numeric placeholders such as NVD-CWE-noinfo are dropped.
func CanonicalCWE(s string) (string, bool) {
	m := cweRegexp.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", false
	}
	return "CWE-" + m[1], true
}
