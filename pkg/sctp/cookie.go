package sctp

import (
	"encoding/binary"
	"time"

	"github.com/backkem/mediaplane/pkg/crypto"
)

// stateCookie is the association state a server hands to the client in
// INIT ACK instead of keeping it. It comes back in COOKIE ECHO.
type stateCookie struct {
	myTag      uint32
	myTSN      uint32
	peerTag    uint32
	peerTSN    uint32
	peerRwnd   uint32
	numOut     uint16
	numIn      uint16
	created    time.Time
	forwardTSN bool
	reconfig   bool
}

const (
	cookieBodySize = 29
	cookieMACSize  = 32
	cookieSize     = cookieBodySize + cookieMACSize

	cookieFlagForwardTSN = 0x01
	cookieFlagReconfig   = 0x02
)

func (c *stateCookie) marshal(secret []byte) []byte {
	b := make([]byte, cookieBodySize, cookieSize)
	binary.BigEndian.PutUint32(b, c.myTag)
	binary.BigEndian.PutUint32(b[4:], c.myTSN)
	binary.BigEndian.PutUint32(b[8:], c.peerTag)
	binary.BigEndian.PutUint32(b[12:], c.peerTSN)
	binary.BigEndian.PutUint32(b[16:], c.peerRwnd)
	binary.BigEndian.PutUint16(b[20:], c.numOut)
	binary.BigEndian.PutUint16(b[22:], c.numIn)
	binary.BigEndian.PutUint32(b[24:], uint32(c.created.Unix()))
	if c.forwardTSN {
		b[28] |= cookieFlagForwardTSN
	}
	if c.reconfig {
		b[28] |= cookieFlagReconfig
	}
	return append(b, crypto.HMACSHA256(secret, b)...)
}

func (c *stateCookie) unmarshal(secret, b []byte) error {
	if len(b) != cookieSize {
		return errCookieTooShort
	}
	body := b[:cookieBodySize]
	if !crypto.HMACEqual(crypto.HMACSHA256(secret, body), b[cookieBodySize:]) {
		return errCookieMAC
	}
	c.myTag = binary.BigEndian.Uint32(body)
	c.myTSN = binary.BigEndian.Uint32(body[4:])
	c.peerTag = binary.BigEndian.Uint32(body[8:])
	c.peerTSN = binary.BigEndian.Uint32(body[12:])
	c.peerRwnd = binary.BigEndian.Uint32(body[16:])
	c.numOut = binary.BigEndian.Uint16(body[20:])
	c.numIn = binary.BigEndian.Uint16(body[22:])
	c.created = time.Unix(int64(binary.BigEndian.Uint32(body[24:])), 0)
	c.forwardTSN = body[28]&cookieFlagForwardTSN != 0
	c.reconfig = body[28]&cookieFlagReconfig != 0
	return nil
}
