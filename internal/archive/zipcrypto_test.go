package archive

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

// encrypt is the inverse of decrypt; tests use it to build encrypted entries.
func (k *zipCryptoKeys) encrypt(buf []byte) {
	for i, p := range buf {
		c := p ^ k.streamByte()
		k.update(p)
		buf[i] = c
	}
}

func TestZipCryptoRoundTrip(t *testing.T) {
	plain := []byte("liveries/Red/a.png")
	buf := bytes.Clone(plain)
	newZipCryptoKeys([]byte("secret")).encrypt(buf)
	assert.NotEqual(t, plain, buf)

	newZipCryptoKeys([]byte("secret")).decrypt(buf)
	assert.Equal(t, plain, buf)
}
