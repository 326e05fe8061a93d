package commsutil

import (
	"fmt"
	"strings"
)

// Well-known bus addresses of the backend services.
const (
	AddressDeviceHub   = "devicehub2"
	AddressUserManager = "usermanager"
	AddressAppServer   = "appserver"
)

// BuildClientAddress builds the private address on which a live query
// receives change events from service.
func BuildClientAddress(service, id string) string {
	return fmt.Sprintf("%s.client.%s", service, id)
}

// ToSubject maps a bus address onto a NATS subject. Characters NATS treats
// specially are replaced so that any address is a single literal subject.
func ToSubject(address string) string {
	r := strings.NewReplacer(" ", "_", "*", "_", ">", "_", "\t", "_")
	return r.Replace(address)
}
