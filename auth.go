package main

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"time"
)

// SignMD5 is md5(secret + data + timestamp), hex encoded.
func SignMD5(secret, data, timestamp string) string {
	h := md5.New()
	h.Write([]byte(secret + data + timestamp))
	return hex.EncodeToString(h.Sum(nil))
}

func CheckSignMD5(secret, data, timestamp, pk string) bool {
	return subtle.ConstantTimeCompare([]byte(SignMD5(secret, data, timestamp)), []byte(pk)) == 1
}

// CheckTimestamp reports whether the unix timestamp ts is within skew of
// now.
func CheckTimestamp(ts string, now time.Time, skew time.Duration) bool {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	d := now.Sub(time.Unix(sec, 0))
	if d < 0 {
		d = -d
	}
	return d <= skew
}
