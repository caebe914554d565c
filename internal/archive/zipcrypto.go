package archive

import (
	"errors"
	"hash/crc32"
	"io"
)

// Traditional PKWARE ("ZipCrypto") stream cipher, APPNOTE section 6.1.

const zipCryptoHeaderLen = 12

var errBadPassword = errors.New("password check byte mismatch")

type zipCryptoKeys struct {
	k0, k1, k2 uint32
}

func newZipCryptoKeys(password []byte) *zipCryptoKeys {
	k := &zipCryptoKeys{k0: 0x12345678, k1: 0x23456789, k2: 0x34567890}
	for _, b := range password {
		k.update(b)
	}
	return k
}

func crcStep(crc uint32, b byte) uint32 {
	return crc32.IEEETable[byte(crc)^b] ^ (crc >> 8)
}

func (k *zipCryptoKeys) update(b byte) {
	k.k0 = crcStep(k.k0, b)
	k.k1 = (k.k1+(k.k0&0xff))*134775813 + 1
	k.k2 = crcStep(k.k2, byte(k.k1>>24))
}

func (k *zipCryptoKeys) streamByte() byte {
	t := uint16(k.k2 | 2)
	return byte((t * (t ^ 1)) >> 8)
}

func (k *zipCryptoKeys) decrypt(buf []byte) {
	for i, c := range buf {
		p := c ^ k.streamByte()
		k.update(p)
		buf[i] = p
	}
}

type zipCryptoReader struct {
	r    io.Reader
	keys *zipCryptoKeys
}

// newZipCryptoReader consumes and checks the 12-byte encryption header.
// check is the expected value of the header's last plaintext byte.
func newZipCryptoReader(r io.Reader, password []byte, check byte) (io.Reader, error) {
	keys := newZipCryptoKeys(password)
	header := make([]byte, zipCryptoHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	keys.decrypt(header)
	if header[zipCryptoHeaderLen-1] != check {
		return nil, errBadPassword
	}
	return &zipCryptoReader{r: r, keys: keys}, nil
}

func (z *zipCryptoReader) Read(p []byte) (int, error) {
	n, err := z.r.Read(p)
	z.keys.decrypt(p[:n])
	return n, err
}
