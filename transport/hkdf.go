package transport

import (
	"crypto/hmac"
	"crypto/sha256"
)

// hkdfExtract and hkdfExpand implement RFC 5869 for SHA-256, the only hash
// this draft's cipher suites use. No HKDF implementation appears anywhere
// in the example pack (TLS 1.3 there is handled by crypto/tls itself, which
// does not export its internal HKDF), so this is a deliberately minimal,
// stdlib-only primitive rather than a pulled-in dependency; see DESIGN.md.
func hkdfExtract(salt, ikm []byte) []byte {
	mac := hmac.New(sha256.New, salt)
	mac.Write(ikm)
	return mac.Sum(nil)
}

func hkdfExpand(prk []byte, info []byte, length int) []byte {
	var out []byte
	var t []byte
	mac := hmac.New(sha256.New, prk)
	for i := byte(1); len(out) < length; i++ {
		mac.Reset()
		mac.Write(t)
		mac.Write(info)
		mac.Write([]byte{i})
		t = mac.Sum(nil)
		out = append(out, t...)
	}
	return out[:length]
}

// hkdfExpandLabel implements TLS 1.3's HKDF-Expand-Label (RFC 8446 §7.1),
// used both for Initial secrets and for key/iv/hp derivation per epoch.
func hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	fullLabel := "tls13 " + label
	info := make([]byte, 0, 2+1+len(fullLabel)+1+len(context))
	info = append(info, byte(length>>8), byte(length))
	info = append(info, byte(len(fullLabel)))
	info = append(info, fullLabel...)
	info = append(info, byte(len(context)))
	info = append(info, context...)
	return hkdfExpand(secret, info, length)
}

// quicKeyIVHP derives the AEAD key, IV and header-protection key from a
// traffic secret, per draft-ietf-quic-tls §5.1.
func quicKeyIVHP(secret []byte, keyLen, ivLen int) (key, iv, hp []byte) {
	key = hkdfExpandLabel(secret, "quic key", nil, keyLen)
	iv = hkdfExpandLabel(secret, "quic iv", nil, ivLen)
	hp = hkdfExpandLabel(secret, "quic hp", nil, keyLen)
	return key, iv, hp
}
