package poc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/dws-network/dws-core/internal/idhash"
)

// quoteMinBytes is the minimum decoded length of a well-formed quote:
// 32-byte hardwareId, 32-byte measurement, a 64-byte P-256 public key,
// and a 64-byte (r,s) signature over hardwareId||measurement. Anything
// shorter is a parse failure (base spec §8 "PoC with a 5-byte quote").
const quoteMinBytes = 32 + 32 + 32 + 32 + 32 + 32

// QuoteParser parses and verifies raw TEE attestation quotes.
type QuoteParser interface {
	Parse(quoteHex string) ParseResult
	Verify(q *Quote, expectedMeasurement string) QuoteVerification
}

// ReferenceParser is the pack's TEE quote parser: a self-signed P-256
// attestation envelope rather than a vendor SGX/SEV-SNP quote, since
// no pack library or example implements a real TEE quote format. The
// P-256 verification step follows the teacher's P256Verify
// (pkg/crypto/p256.go): stdlib crypto/ecdsa + crypto/elliptic,
// generalized from raw signature verification to full quote
// structure parsing.
type ReferenceParser struct{}

// NewReferenceParser constructs the reference TEE quote parser.
func NewReferenceParser() *ReferenceParser {
	return &ReferenceParser{}
}

// Parse implements QuoteParser (base spec §6 "parseQuote(hex)").
func (ReferenceParser) Parse(quoteHex string) ParseResult {
	raw, err := hex.DecodeString(trimHexPrefix(quoteHex))
	if err != nil {
		return ParseResult{Success: false, Error: fmt.Sprintf("parse: invalid hex encoding: %v", err)}
	}
	if len(raw) < quoteMinBytes {
		return ParseResult{Success: false, Error: fmt.Sprintf("parse: quote too short (%d bytes, need >= %d)", len(raw), quoteMinBytes)}
	}
	q := &Quote{
		HardwareID:  hex.EncodeToString(raw[0:32]),
		Measurement: hex.EncodeToString(raw[32:64]),
		Raw:         raw,
	}
	return ParseResult{Success: true, Quote: q}
}

// Verify implements QuoteParser (base spec §6 "verifyQuote").
func (ReferenceParser) Verify(q *Quote, expectedMeasurement string) QuoteVerification {
	if q == nil || len(q.Raw) < quoteMinBytes {
		return QuoteVerification{Error: "verify: quote missing or malformed"}
	}
	pubX := new(big.Int).SetBytes(q.Raw[64:96])
	pubY := new(big.Int).SetBytes(q.Raw[96:128])
	r := new(big.Int).SetBytes(q.Raw[128:160])
	s := new(big.Int).SetBytes(q.Raw[160:192])

	certValid := elliptic.P256().IsOnCurve(pubX, pubY)
	sigValid := false
	if certValid {
		pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: pubX, Y: pubY}
		digest := sha256.Sum256(q.Raw[0:64])
		sigValid = ecdsa.Verify(pub, digest[:], r, s)
	}
	measurementMatch := expectedMeasurement == "" || expectedMeasurement == q.Measurement
	tcb := "OutOfDate"
	if certValid && sigValid {
		tcb = "UpToDate"
	}
	result := QuoteVerification{
		CertificateValid: certValid,
		SignatureValid:   sigValid,
		MeasurementMatch: measurementMatch,
		TCBStatus:        tcb,
	}
	result.Valid = certValid && sigValid && measurementMatch
	if !result.Valid {
		result.Error = "verify: certificate, signature, or measurement check failed"
	}
	return result
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// HashHardwareID derives the salted hardware-id hash the registry is
// keyed by (base spec §6 "hashHardwareId(id, salt) -> Hex"), reusing
// the pack-wide keccak derivation in internal/idhash.
func HashHardwareID(hardwareID, saltHex string) (string, error) {
	salt, err := hex.DecodeString(trimHexPrefix(saltHex))
	if err != nil {
		return "", fmt.Errorf("decoding hardware id salt: %w", err)
	}
	return idhash.Keccak256Hex([]byte(hardwareID), salt), nil
}
