package upstream

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// checksumSeed is the initial key of the timestamp obfuscation.
const checksumSeed = 165

// HashHex returns sha256(input+salt) as lowercase hex.
func HashHex(input, salt string) string {
	sum := sha256.Sum256([]byte(input + salt))
	return hex.EncodeToString(sum[:])
}

// Checksum derives the x-cursor-checksum header for token at now.
//
// The coarse timestamp (milliseconds / 1e6) is written as six big-endian
// bytes, obfuscated in place and base64 encoded, followed by the two
// machine ids derived from the token.
func Checksum(token string, now time.Time) string {
	machineID := HashHex(token, "machineId")
	macMachineID := HashHex(token, "macMachineId")

	ts := uint64(now.UnixMilli() / 1e6)
	b := []byte{
		byte(ts >> 40),
		byte(ts >> 32),
		byte(ts >> 24),
		byte(ts >> 16),
		byte(ts >> 8),
		byte(ts),
	}
	obfuscate(b)

	return base64.StdEncoding.EncodeToString(b) + machineID + "/" + macMachineID
}

func obfuscate(b []byte) {
	t := byte(checksumSeed)
	for i := range b {
		b[i] = (b[i] ^ t) + byte(i%256)
		t = b[i]
	}
}

// ClientKey is the x-client-key header for token.
func ClientKey(token string) string {
	return HashHex(token, "")
}

// SessionID is the stable x-session-id for token.
func SessionID(token string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(token)).String()
}
