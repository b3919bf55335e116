package discovery

import "strings"

const (
	vendorUnknown             = "Unknown"
	vendorLocallyAdministered = "Locally administered"
)

// ouiVendors is a compact OUI table covering vendors commonly seen on office and lab LANs.
// Keys are the first three octets in lower-case colon form.
var ouiVendors = map[string]string{
	"00:50:56": "VMware, Inc.",
	"00:0c:29": "VMware, Inc.",
	"00:05:69": "VMware, Inc.",
	"00:1c:14": "VMware, Inc.",
	"08:00:27": "Oracle VirtualBox",
	"52:54:00": "QEMU virtual NIC",
	"00:15:5d": "Microsoft Corporation (Hyper-V)",
	"00:16:3e": "XenSource, Inc.",
	"00:1c:42": "Parallels, Inc.",

	"00:00:0c": "Cisco Systems, Inc",
	"00:1b:54": "Cisco Systems, Inc",
	"00:26:0b": "Cisco Systems, Inc",
	"f4:cf:e2": "Cisco Systems, Inc",
	"00:05:85": "Juniper Networks",
	"28:8a:1c": "Juniper Networks",
	"24:a4:3c": "Ubiquiti Networks Inc.",
	"78:8a:20": "Ubiquiti Networks Inc.",
	"fc:ec:da": "Ubiquiti Networks Inc.",
	"4c:5e:0c": "Routerboard.com (MikroTik)",
	"e4:8d:8c": "Routerboard.com (MikroTik)",
	"a0:40:a0": "NETGEAR",
	"c4:04:15": "NETGEAR",
	"50:c7:bf": "TP-LINK TECHNOLOGIES CO.,LTD.",
	"f4:f2:6d": "TP-LINK TECHNOLOGIES CO.,LTD.",
	"00:0b:86": "Aruba Networks",
	"00:09:0f": "Fortinet, Inc.",

	"00:80:77": "Brother Industries, Ltd.",
	"30:05:5c": "Brother Industries, Ltd.",
	"00:00:48": "Seiko Epson Corporation",
	"64:eb:8c": "Seiko Epson Corporation",
	"00:04:00": "Lexmark International, Inc.",
	"00:c0:ee": "Kyocera Corporation",
	"00:00:aa": "Xerox Corporation",
	"00:26:73": "Ricoh Company, Ltd.",
	"00:07:4d": "Zebra Technologies Corp",
	"00:1e:8f": "Canon Inc.",

	"44:19:b6": "Hangzhou Hikvision Digital Technology Co.,Ltd.",
	"3c:ef:8c": "Zhejiang Dahua Technology Co., Ltd.",
	"00:40:8c": "Axis Communications AB",
	"00:11:32": "Synology Incorporated",
	"24:5e:be": "QNAP Systems, Inc.",
	"00:25:90": "Super Micro Computer, Inc.",
	"ac:1f:6b": "Super Micro Computer, Inc.",

	"24:0a:c4": "Espressif Inc.",
	"30:ae:a4": "Espressif Inc.",
	"b8:27:eb": "Raspberry Pi Foundation",
	"dc:a6:32": "Raspberry Pi Trading Ltd",
	"5c:aa:fd": "Sonos, Inc.",
	"18:b4:30": "Nest Labs Inc.",

	"00:03:93": "Apple, Inc.",
	"3c:22:fb": "Apple, Inc.",
	"f0:18:98": "Apple, Inc.",
	"00:12:fb": "Samsung Electronics Co.,Ltd",
	"8c:77:12": "Samsung Electronics Co.,Ltd",
	"64:09:80": "Xiaomi Communications Co Ltd",

	"00:14:22": "Dell Inc.",
	"f8:bc:12": "Dell Inc.",
	"3c:97:0e": "Wistron InfoComm (Lenovo)",
	"54:ee:75": "Wistron InfoComm (Lenovo)",
	"00:1b:21": "Intel Corporate",
	"3c:fd:fe": "Intel Corporate",
	"00:e0:4c": "Realtek Semiconductor Corp.",
	"00:1f:c6": "ASUSTek COMPUTER INC.",
	"00:d8:61": "Micro-Star INTL CO., LTD.",
	"1c:69:7a": "Elitegroup Computer Systems",
	"00:1a:a0": "Dell Inc.",
	"00:17:a4": "Hewlett Packard",
	"3c:d9:2b": "Hewlett Packard",
}

// LookupVendor maps a MAC's OUI to a manufacturer name.
func LookupVendor(mac string) string {
	mac = normalizeMAC(mac)
	if mac == "" {
		return vendorUnknown
	}
	if v, ok := ouiVendors[mac[:8]]; ok {
		return v
	}
	if isLocallyAdministered(mac) {
		return vendorLocallyAdministered
	}
	return vendorUnknown
}

func isLocallyAdministered(mac string) bool {
	if len(mac) < 2 {
		return false
	}
	second := strings.ToLower(mac[1:2])
	switch second {
	case "2", "3", "6", "7", "a", "b", "e", "f":
		return true
	}
	return false
}
