package turnserver

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	errMalformedUsername = errors.New("malformed turn username")
	errExpired           = errors.New("turn credentials expired")
)

// Credentials builds the usual TURN REST pair: the username is
// "<unix expiry>:<userID>" and the password is base64(HMAC-SHA1(secret, username)).
func Credentials(secret, userID string, ttl time.Duration, now time.Time) (username, password string) {
	username = strconv.FormatInt(now.Add(ttl).Unix(), 10) + ":" + userID
	return username, sign(secret, username)
}

// Verify checks the expiry embedded in username and returns the password
// the client must have been given.
func Verify(secret, username string, now time.Time) (string, error) {
	expiry, _, ok := strings.Cut(username, ":")
	if !ok {
		return "", errMalformedUsername
	}
	ts, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return "", errMalformedUsername
	}
	if now.Unix() > ts {
		return "", errExpired
	}
	return sign(secret, username), nil
}

func sign(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
