package rfb

import (
	"crypto/des"
	"crypto/rand"
	"crypto/subtle"
)

const challengeSize = 16

func newChallenge() ([]byte, error) {
	c := make([]byte, challengeSize)
	if _, err := rand.Read(c); err != nil {
		return nil, err
	}
	return c, nil
}

// vncResponse encrypts challenge with the VNC variant of DES: the password,
// truncated or zero-padded to 8 bytes, with each key byte bit-reversed.
func vncResponse(password string, challenge []byte) ([]byte, error) {
	key := make([]byte, 8)
	copy(key, password)
	for i, b := range key {
		key[i] = reverseBits(b)
	}

	block, err := des.NewCipher(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(challenge))
	for i := 0; i+des.BlockSize <= len(challenge); i += des.BlockSize {
		block.Encrypt(out[i:i+des.BlockSize], challenge[i:i+des.BlockSize])
	}
	return out, nil
}

func checkResponse(password string, challenge, response []byte) bool {
	want, err := vncResponse(password, challenge)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, response) == 1
}

func reverseBits(b byte) byte {
	b = (b&0xf0)>>4 | (b&0x0f)<<4
	b = (b&0xcc)>>2 | (b&0x33)<<2
	b = (b&0xaa)>>1 | (b&0x55)<<1
	return b
}
