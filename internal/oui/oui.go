// Package oui resolves the 24-bit vendor prefix of a MAC address to a
// manufacturer name. The embedded table covers the vendors most often seen in
// wardriving captures; everything else resolves to "Unknown".
package oui

import "strings"

// Unknown is returned for empty, short, or unlisted identifiers.
const Unknown = "Unknown"

var vendors = map[string]string{
	// Apple
	"F0EE7A": "Apple, Inc.",
	"58AD12": "Apple, Inc.",
	"60FDA6": "Apple, Inc.",
	"80A997": "Apple, Inc.",
	"348C5E": "Apple, Inc.",
	"3C39C8": "Apple, Inc.",
	"DC8084": "Apple, Inc.",

	// Samsung
	"641B2F": "Samsung Electronics Co.,Ltd",
	"9C73B1": "Samsung Electronics Co.,Ltd",
	"388A06": "Samsung Electronics Co.,Ltd",
	"80398C": "Samsung Electronics Co.,Ltd",

	// Espressif (ESP32/ESP8266)
	"10061C": "Espressif Inc.",
	"D48AFC": "Espressif Inc.",
	"E465B8": "Espressif Inc.",

	// Intel
	"E4C767": "Intel Corporate",
	"A002A5": "Intel Corporate",
	"102E00": "Intel Corporate",

	// Google
	"60706C": "Google, Inc.",
	"C82ADD": "Google, Inc.",
	"242934": "Google, Inc.",

	// Amazon
	"842859": "Amazon Technologies Inc.",
	"2873F6": "Amazon Technologies Inc.",
	"E0CB1D": "Amazon Technologies Inc.",

	// Ubiquiti
	"F09FC2": "Ubiquiti Inc",
	"802AA8": "Ubiquiti Inc",
	"788A20": "Ubiquiti Inc",

	// Raspberry Pi
	"D83ADD": "Raspberry Pi Trading Ltd",

	// Texas Instruments
	"40F3B0": "Texas Instruments",
	"149CEF": "Texas Instruments",
	"80C41B": "Texas Instruments",

	// Microsoft
	"70F8AE": "Microsoft Corporation",
	"201642": "Microsoft Corporation",

	// TP-Link
	"68DDB7": "TP-LINK TECHNOLOGIES CO.,LTD.",

	// Cisco
	"E80AB9": "Cisco Systems, Inc",

	// Huawei
	"E00630": "HUAWEI TECHNOLOGIES CO.,LTD",

	// Xiaomi
	"CCEB5E": "Xiaomi Communications Co Ltd",

	// D-Link
	"BC2228": "D-Link International",
}

// Lookup maps a BSSID (any separator style, any case) to a manufacturer name.
func Lookup(bssid string) string {
	if bssid == "" {
		return Unknown
	}

	cleaned := strings.ToUpper(strings.Map(func(r rune) rune {
		if r == ':' || r == '-' || r == '.' {
			return -1
		}
		return r
	}, bssid))

	if len(cleaned) < 6 {
		return Unknown
	}

	if vendor, ok := vendors[cleaned[:6]]; ok {
		return vendor
	}
	return Unknown
}

// Size returns the number of prefixes in the embedded table.
func Size() int {
	return len(vendors)
}
