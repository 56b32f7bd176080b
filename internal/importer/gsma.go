package importer

import (
	"strings"
	"time"
)

// Radio access technology bits. The same bitmask vocabulary is used for the
// GSMA-declared capabilities of a TAC (derived from its bands string) and for
// the technologies an IMEI was actually seen on (derived from the operator
// data rat column), so the two can be compared bitwise.
const (
	Rat2G  = 1 << iota // GSM / GERAN
	Rat3G              // UMTS / WCDMA / HSPA / TD-SCDMA
	Rat4G              // LTE / E-UTRAN
	Rat5G              // NR
	RatCDMA
)

// bandKeywords maps substrings of a GSMA bands declaration to RAT bits.
// Longer, more specific keywords are redundant with the generic ones but kept
// so a future split stays cheap.
var bandKeywords = []struct {
	keyword string
	bit     int
}{
	{"GSM", Rat2G},
	{"WCDMA", Rat3G},
	{"UMTS", Rat3G},
	{"HSDPA", Rat3G},
	{"HSUPA", Rat3G},
	{"HSPA", Rat3G},
	{"TD-SCDMA", Rat3G},
	{"LTE", Rat4G},
	{"NR", Rat5G},
	{"5G", Rat5G},
	{"CDMA", RatCDMA},
}

// RatBitmaskFromBands derives the RAT bitmask from a GSMA bands string, e.g.
// "GSM 900|WCDMA FDD Band I|LTE BAND 3".
func RatBitmaskFromBands(bands string) int {
	upper := strings.ToUpper(bands)
	mask := 0
	for _, k := range bandKeywords {
		if strings.Contains(upper, k.keyword) {
			mask |= k.bit
		}
	}
	return mask
}

// ratCodes maps the three-digit RAT codes carried in operator data (3GPP TS
// 29.060 encoding plus the 1xx CDMA extensions) to RAT bits. Codes with no
// radio generation (WLAN, GAN, virtual) map to zero.
var ratCodes = map[string]int{
	"001": Rat3G, // UTRAN
	"002": Rat2G, // GERAN
	"003": 0,     // WLAN
	"004": 0,     // GAN
	"005": Rat3G, // HSPA evolution
	"006": Rat4G, // E-UTRAN
	"007": 0,     // virtual
	"008": Rat2G, // EC-GSM-IoT
	"009": Rat4G, // LTE-M
	"010": Rat5G, // NR
	"101": RatCDMA,
	"102": RatCDMA,
	"103": RatCDMA,
}

// RatBitmaskFromCodes derives the RAT bitmask from a pipe-separated list of
// operator RAT codes, e.g. "002|006". Unknown codes are ignored.
func RatBitmaskFromCodes(rat string) int {
	mask := 0
	for _, code := range strings.Split(rat, "|") {
		mask |= ratCodes[code]
	}
	return mask
}

// parseDate accepts the date formats seen in input files: compact 20170101,
// ISO 2017-01-01 and the GSMA directory's 01/02/2017 day-first form. Returns
// nil for an empty value so it can feed a nullable DATE column directly.
func parseDate(s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{"20060102", "2006-01-02", "02/01/2006"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return nil, &PrevalidationError{Reason: "unparseable date " + s}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
