package tagging

import "strings"

// Device types reported in ScanResult.DeviceType. The backend treats them as free-form
// strings; keep them stable once released.
const (
	TypeVirtual     = "virtual/server"
	TypeServer      = "server"
	TypeWorkstation = "workstation"
	TypePrinter     = "printer"
	TypeNetwork     = "network"
	TypeCamera      = "camera"
	TypeNAS         = "nas"
	TypeMobile      = "mobile"
	TypeIoT         = "iot"
	TypeUnknown     = "unknown"
)

var allTypes = []string{
	TypeVirtual,
	TypeServer,
	TypeWorkstation,
	TypePrinter,
	TypeNetwork,
	TypeCamera,
	TypeNAS,
	TypeMobile,
	TypeIoT,
	TypeUnknown,
}

func AllTypes() []string {
	out := make([]string, len(allTypes))
	copy(out, allTypes)
	return out
}

func IsValidType(t string) bool {
	t = NormalizeType(t)
	for _, v := range allTypes {
		if v == t {
			return true
		}
	}
	return false
}

func NormalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
