package hsm

import (
	"encoding/base64"
	"fmt"

	"github.com/miekg/dns"
)

const (
	flagZone = 256
	flagSEP  = 1
)

// Generator creates new key material and returns the base64 public key, as it would appear
// in a DNSKEY record.
type Generator func(algorithm uint8, bits int) (string, error)

// DNSKEYGenerator generates key material in process. The private half is discarded, which
// is fine for development and testing but obviously not for signing.
func DNSKEYGenerator(algorithm uint8, bits int) (string, error) {
	key := newDNSKEY(algorithm, false, "")
	if _, err := key.Generate(bits); err != nil {
		return "", fmt.Errorf("generating %s key: %w", dns.AlgorithmToString[algorithm], err)
	}
	return key.PublicKey, nil
}

func newDNSKEY(algorithm uint8, ksk bool, publicKey string) *dns.DNSKEY {
	flags := uint16(flagZone)
	if ksk {
		flags |= flagSEP
	}
	return &dns.DNSKEY{
		Hdr: dns.RR_Header{
			Name:   ".",
			Rrtype: dns.TypeDNSKEY,
			Class:  dns.ClassINET,
		},
		Flags:     flags,
		Protocol:  3,
		Algorithm: algorithm,
		PublicKey: publicKey,
	}
}

// KeyTag computes the keytag the key will be published with.
func KeyTag(algorithm uint8, ksk bool, publicKey string) (uint16, error) {
	if publicKey == "" {
		return 0, fmt.Errorf("no public key")
	}
	if _, ok := dns.AlgorithmToString[algorithm]; !ok {
		return 0, fmt.Errorf("unknown algorithm %d", algorithm)
	}
	if _, err := base64.StdEncoding.DecodeString(publicKey); err != nil {
		return 0, fmt.Errorf("unable to decode public key: %w", err)
	}
	return newDNSKEY(algorithm, ksk, publicKey).KeyTag(), nil
}
