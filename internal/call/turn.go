package call

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"
)

// TURNCredentialTTL is the lifetime handed to clients; credentials are not stored server-side,
// only derived on demand from sharedSecret.
const TURNCredentialTTL = 3600 * time.Second

// TURNCredentials is the issued {urls, username, credential, ttl} tuple.
type TURNCredentials struct {
	URLs       []string
	Username   string
	Credential string
	TTL        int64
}

// MintTURNCredentials derives a short-lived TURN username/credential pair per the
// username="<expiryUnix>:<whisperId>" / credential=base64(HMAC-SHA1(sharedSecret, username))
// convention shared by coturn-compatible TURN servers.
func MintTURNCredentials(sharedSecret string, whisperID string, urls []string, now time.Time) TURNCredentials {
	expiry := now.Add(TURNCredentialTTL).Unix()
	username := fmt.Sprintf("%d:%s", expiry, whisperID)

	mac := hmac.New(sha1.New, []byte(sharedSecret))
	mac.Write([]byte(username))
	credential := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return TURNCredentials{
		URLs:       urls,
		Username:   username,
		Credential: credential,
		TTL:        int64(TURNCredentialTTL.Seconds()),
	}
}
